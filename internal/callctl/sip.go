package callctl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/twitchtv/twirp"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/config"
)

// DialRequest describes one outbound SIP leg.
type DialRequest struct {
	// PhoneNumber is the E.164 destination, already validated.
	PhoneNumber string

	// RoomName is the room the SIP participant joins on answer.
	RoomName string

	// ParticipantIdentity names the SIP participant inside the room.
	ParticipantIdentity string

	// RingingTimeout bounds how long the call may ring before failing.
	RingingTimeout time.Duration

	// MaxCallDuration caps the call lifetime.
	MaxCallDuration time.Duration

	// Metadata is attached to the participant verbatim.
	Metadata string
}

// DialResult identifies the created SIP participant.
type DialResult struct {
	ParticipantID       string
	ParticipantIdentity string
	SIPCallID           string
}

// SIPDialer places outbound SIP calls. Implemented by [LiveKitDialer];
// tests substitute a fake.
type SIPDialer interface {
	Dial(ctx context.Context, req DialRequest) (*DialResult, error)
}

// LiveKitDialer creates outbound SIP participants through the LiveKit SIP
// service. Safe for concurrent use.
type LiveKitDialer struct {
	client  livekit.SIP
	trunkID string
}

// tokenTransport signs every request with a short-lived access token
// carrying the SIP admin grant, the scheme LiveKit's twirp services expect.
type tokenTransport struct {
	apiKey    string
	apiSecret string
	base      http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := auth.NewAccessToken(t.apiKey, t.apiSecret).
		SetIdentity("vocalis-server").
		SetValidFor(10 * time.Minute).
		SetVideoGrant(&auth.VideoGrant{RoomAdmin: true, RoomCreate: true}).
		SetSIPGrant(&auth.SIPGrant{Admin: true}).
		ToJWT()
	if err != nil {
		return nil, fmt.Errorf("callctl: sign request: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewLiveKitDialer builds a dialer against the configured LiveKit server.
func NewLiveKitDialer(cfg config.LiveKitConfig) *LiveKitDialer {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &tokenTransport{
			apiKey:    cfg.APIKey,
			apiSecret: cfg.APISecret,
		},
	}
	return &LiveKitDialer{
		client:  livekit.NewSIPProtobufClient(cfg.URL, httpClient),
		trunkID: cfg.SIPTrunkID,
	}
}

// Dial creates the outbound SIP participant. The participant starts ringing
// the destination immediately; answer and hangup are observed through room
// events, not this call.
func (d *LiveKitDialer) Dial(ctx context.Context, req DialRequest) (*DialResult, error) {
	info, err := d.client.CreateSIPParticipant(ctx, &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          d.trunkID,
		SipCallTo:           req.PhoneNumber,
		RoomName:            req.RoomName,
		ParticipantIdentity: req.ParticipantIdentity,
		ParticipantMetadata: req.Metadata,
		RingingTimeout:      durationpb.New(req.RingingTimeout),
		MaxCallDuration:     durationpb.New(req.MaxCallDuration),
	})
	if err != nil {
		return nil, mapTwirpError(err)
	}
	return &DialResult{
		ParticipantID:       info.ParticipantId,
		ParticipantIdentity: info.ParticipantIdentity,
		SIPCallID:           info.SipCallId,
	}, nil
}

// mapTwirpError folds a LiveKit twirp error into the platform taxonomy.
func mapTwirpError(err error) error {
	var terr twirp.Error
	if !errors.As(err, &terr) {
		return apperr.Wrap(apperr.Transport, fmt.Errorf("callctl: sip: %w", err))
	}
	switch terr.Code() {
	case twirp.InvalidArgument, twirp.Malformed:
		return apperr.Wrap(apperr.Validation, err)
	case twirp.NotFound:
		return apperr.Wrap(apperr.NotFound, err)
	case twirp.ResourceExhausted:
		return apperr.Wrap(apperr.Admission, err)
	case twirp.Canceled:
		return apperr.Wrap(apperr.Cancelled, err)
	default:
		return apperr.Wrap(apperr.Transport, err)
	}
}
