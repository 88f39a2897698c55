// Package auth issues and verifies the opaque bearer tokens that
// identify callers at the tool boundary.
//
// There are two roles: the single configured admin token, and per-agent
// tokens minted at agent creation. Verification is a pure lookup against
// the agent directory with no side effects, so callers can reject before
// performing any mutation.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/herdwork/corral/internal/fault"
)

// AdminIdentity is the sentinel identity returned for the admin token.
const AdminIdentity = "admin"

// Role is the privilege level required for an operation.
type Role string

const (
	// RoleAdmin is satisfied only by the configured admin token.
	RoleAdmin Role = "admin"
	// RoleAgent is satisfied by any non-terminated agent's token, and
	// by the admin token, since admins may act as any agent to coordinate.
	RoleAgent Role = "agent"
)

// Directory is the read-only view of the agent registry the verifier
// needs. Implemented by agent.Store.
type Directory interface {
	// OwnerOfToken maps a token to its agent id. terminated reports
	// whether that agent has been terminated. Unknown tokens return
	// ok=false with no error; err is reserved for store failures.
	OwnerOfToken(token string) (agentID string, terminated, ok bool, err error)
}

// Service validates tokens against the admin token and the directory.
type Service struct {
	adminToken string
	agents     Directory
}

// NewService creates a token verifier. adminToken must be non-empty.
func NewService(adminToken string, agents Directory) *Service {
	return &Service{adminToken: adminToken, agents: agents}
}

// GenerateToken returns a 128-bit cryptographically random token,
// hex-encoded to 32 characters. Uniqueness rests on the randomness
// guarantee alone; there is no retry loop.
func GenerateToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// Verify reports whether token satisfies the required role.
func (s *Service) Verify(token string, role Role) bool {
	if token == "" {
		return false
	}
	if token == s.adminToken {
		return true
	}
	if role == RoleAdmin {
		return false
	}
	_, terminated, ok, err := s.agents.OwnerOfToken(token)
	return err == nil && ok && !terminated
}

// Resolve maps a token to a caller identity: an agent id, the sentinel
// AdminIdentity, or fault.ErrUnauthorized for unknown or terminated
// credentials.
func (s *Service) Resolve(token string) (string, error) {
	if token == "" {
		return "", fault.Unauthorizedf("missing token")
	}
	if token == s.adminToken {
		return AdminIdentity, nil
	}
	agentID, terminated, ok, err := s.agents.OwnerOfToken(token)
	if err != nil {
		return "", fmt.Errorf("resolving token: %w", err)
	}
	if !ok {
		return "", fault.Unauthorizedf("unknown token")
	}
	if terminated {
		return "", fault.Unauthorizedf("agent %q is terminated", agentID)
	}
	return agentID, nil
}

// IsAdmin reports whether identity is the admin sentinel.
func IsAdmin(identity string) bool {
	return identity == AdminIdentity
}
