package services

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/random"
)

const (
	referenceVersion   = "bk1"
	anonymousSegment   = "anon"
	referenceNonceSize = 10
)

// DecodedReference is the best-effort reading of a payment reference. Flags
// tell the caller which fields could be recovered.
type DecodedReference struct {
	Valid         bool      `json:"valid"`
	Legacy        bool      `json:"legacy"`
	SubscriberID  uuid.UUID `json:"subscriber_id"`
	HasSubscriber bool      `json:"has_subscriber"`
	PlanID        string    `json:"plan_id"`
	HasPlan       bool      `json:"has_plan"`
	AttemptAt     time.Time `json:"attempt_at"`
	// SubscriberKnown is set by PendingLedger.Resolve once the decoded id
	// has been matched against the subscriber store.
	SubscriberKnown bool `json:"subscriber_known"`
}

// ReferenceCodec builds and parses payment correlation references:
//
//	bk1.<subscriber hex | anon>.<plan>.<unix millis, base36>.<nonce>
type ReferenceCodec struct {
	nonce func() string
}

// NewReferenceCodec returns a codec drawing nonces from gommon/random.
func NewReferenceCodec() *ReferenceCodec {
	return &ReferenceCodec{
		nonce: func() string {
			return random.String(referenceNonceSize, random.Lowercase, random.Numeric)
		},
	}
}

// New encodes a reference for a fresh attempt with a random nonce.
func (c *ReferenceCodec) New(subscriberID *uuid.UUID, planID string, at time.Time) string {
	return c.Encode(subscriberID, planID, at, c.nonce())
}

// Encode is deterministic for identical inputs.
func (c *ReferenceCodec) Encode(subscriberID *uuid.UUID, planID string, at time.Time, nonce string) string {
	subject := anonymousSegment
	if subscriberID != nil && *subscriberID != uuid.Nil {
		subject = hex.EncodeToString(subscriberID[:])
	}
	return strings.Join([]string{
		referenceVersion,
		subject,
		sanitizeSegment(planID),
		strconv.FormatInt(at.UnixMilli(), 36),
		sanitizeSegment(nonce),
	}, ".")
}

// Decode never fails; unrecoverable fields are left unset and flagged.
func (c *ReferenceCodec) Decode(reference string) DecodedReference {
	reference = strings.TrimSpace(reference)
	parts := strings.Split(reference, ".")
	if len(parts) == 5 && parts[0] == referenceVersion {
		return decodeCurrent(parts)
	}
	return decodeLegacy(reference)
}

func decodeCurrent(parts []string) DecodedReference {
	out := DecodedReference{Valid: true}

	if parts[1] != anonymousSegment {
		if raw, err := hex.DecodeString(parts[1]); err == nil && len(raw) == 16 {
			if id, err := uuid.FromBytes(raw); err == nil {
				out.SubscriberID = id
				out.HasSubscriber = true
			}
		}
	}

	if parts[2] != "" {
		out.PlanID = parts[2]
		out.HasPlan = true
	}

	if ms, err := strconv.ParseInt(parts[3], 36, 64); err == nil {
		out.AttemptAt = time.UnixMilli(ms).UTC()
	}

	return out
}

// decodeLegacy reads references minted before the versioned format:
// <subscriber uuid>_<plan>_<unix seconds>.
func decodeLegacy(reference string) DecodedReference {
	out := DecodedReference{Legacy: true}
	parts := strings.Split(reference, "_")
	if len(parts) < 3 {
		return out
	}

	if id, err := uuid.Parse(parts[0]); err == nil {
		out.SubscriberID = id
		out.HasSubscriber = true
	}

	plan := strings.Join(parts[1:len(parts)-1], "_")
	if plan != "" {
		out.PlanID = plan
		out.HasPlan = true
	}

	if secs, err := strconv.ParseInt(parts[len(parts)-1], 10, 64); err == nil {
		out.AttemptAt = time.Unix(secs, 0).UTC()
	}

	out.Valid = out.HasSubscriber || out.HasPlan
	return out
}

// sanitizeSegment keeps a segment free of the separator.
func sanitizeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, s)
}
