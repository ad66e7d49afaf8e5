package mcpsrv

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/webbridge/webbridge/pkg/logger"
)

// sessionIDAdapter implements the mark3labs SDK's SessionIdManager interface
// over SessionManager. All storage, TTL, and cleanup stays on our side; the
// SDK only calls Generate, Validate, and Terminate during protocol flows.
type sessionIDAdapter struct {
	manager *SessionManager
}

func newSessionIDAdapter(manager *SessionManager) *sessionIDAdapter {
	return &sessionIDAdapter{manager: manager}
}

// Generate mints a session id for an initialize request that carried none.
func (a *sessionIDAdapter) Generate() string {
	sessionID := uuid.New().String()
	if err := a.manager.AddWithID(sessionID); err != nil {
		// UUID collision is vanishingly unlikely; retry once.
		logger.Errorw("failed to create session", "session", sessionID, "error", err)
		sessionID = uuid.New().String()
		if err := a.manager.AddWithID(sessionID); err != nil {
			logger.Errorw("failed to create session on retry", "session", sessionID, "error", err)
			return ""
		}
	}
	logger.Debugw("generated MCP session", "session", sessionID)
	return sessionID
}

// Validate checks the session on every request and extends its TTL.
func (a *sessionIDAdapter) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session id")
	}
	if _, ok := a.manager.Get(sessionID); !ok {
		return false, fmt.Errorf("session not found")
	}
	return false, nil
}

// Terminate handles the client's DELETE. The session and its instance binding
// are removed immediately; a later request with the same id is rejected by
// Validate as unknown.
func (a *sessionIDAdapter) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session id")
	}
	if _, ok := a.manager.Get(sessionID); !ok {
		// Deleting an already-expired session is fine.
		return false, nil
	}
	a.manager.Delete(sessionID)
	logger.Infow("MCP session terminated", "session", sessionID)
	return false, nil
}
