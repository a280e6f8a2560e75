package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
)

var ErrNoMedia = errors.New("sdp carries no audio or video section")

// ValidateSDP parses raw and checks that it describes at least one audio
// or video section.
func ValidateSDP(raw string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio", "video":
			return nil
		}
	}
	return ErrNoMedia
}
