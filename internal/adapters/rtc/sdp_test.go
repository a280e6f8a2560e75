package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const audioOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

const dataOnly = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n"

func TestValidateSDP(t *testing.T) {
	assert.NoError(t, ValidateSDP(audioOffer))
	assert.ErrorIs(t, ValidateSDP(dataOnly), ErrNoMedia)
	assert.Error(t, ValidateSDP("not sdp"))
}
