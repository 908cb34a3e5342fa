// Package token mints LiveKit access tokens for participants and agents.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// DefaultTTL is the validity of minted tokens.
const DefaultTTL = 6 * time.Hour

// ErrMissingCredentials is returned when the API key or secret is empty.
var ErrMissingCredentials = errors.New("token: LiveKit API key and secret are required")

// Minter signs tokens with a LiveKit API key pair.
type Minter struct {
	APIKey    string
	APISecret string
	TTL       time.Duration
}

func (m Minter) validFor() time.Duration {
	if m.TTL <= 0 {
		return DefaultTTL
	}
	return m.TTL
}

func (m Minter) sign(grant *auth.VideoGrant, identity, name string) (string, error) {
	if m.APIKey == "" || m.APISecret == "" {
		return "", ErrMissingCredentials
	}
	at := auth.NewAccessToken(m.APIKey, m.APISecret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(m.validFor())
	if name != "" {
		at.SetName(name)
	}
	jwt, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return jwt, nil
}

// ParticipantToken lets a user join room and publish/subscribe media.
func (m Minter) ParticipantToken(room, identity string) (string, error) {
	if room == "" || identity == "" {
		return "", errors.New("token: room and identity are required")
	}
	grant := &auth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	return m.sign(grant, identity, identity)
}

// WorkerToken authenticates an agent worker against the agent endpoint.
func (m Minter) WorkerToken(identity string) (string, error) {
	return m.sign(&auth.VideoGrant{Agent: true}, identity, "")
}

// AgentJoinToken lets an agent join room directly, without dispatch.
func (m Minter) AgentJoinToken(room, identity, name string) (string, error) {
	if room == "" || identity == "" {
		return "", errors.New("token: room and identity are required")
	}
	grant := &auth.VideoGrant{RoomJoin: true, Room: room, Agent: true}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(true)
	return m.sign(grant, identity, name)
}
