package rtc

import (
	"encoding/json"
	"fmt"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// ValidatePayload rejects envelope payloads a pion engine could never
// apply. It satisfies mesh.PayloadValidator.
func ValidatePayload(kind signaling.Kind, payload json.RawMessage) error {
	if err := signaling.ValidatePayload(payload); err != nil {
		return err
	}

	switch kind {
	case signaling.KindOffer, signaling.KindAnswer:
		var desc pion.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return fmt.Errorf("%w: %v", signaling.ErrMalformedEnvelope, err)
		}
		if string(kind) != desc.Type.String() {
			return fmt.Errorf("%w: %s envelope carries %s", signaling.ErrMalformedEnvelope, kind, desc.Type)
		}
		if desc.SDP == "" {
			return fmt.Errorf("%w: %v", signaling.ErrMalformedEnvelope, ErrEmptySDP)
		}

	case signaling.KindICECandidate:
		var ice pion.ICECandidateInit
		if err := json.Unmarshal(payload, &ice); err != nil {
			return fmt.Errorf("%w: %v", signaling.ErrMalformedEnvelope, err)
		}

	default:
		return fmt.Errorf("%w: unknown kind %q", signaling.ErrMalformedEnvelope, kind)
	}
	return nil
}
