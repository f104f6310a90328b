package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/opencoach/internal/provider"
	"github.com/xonecas/opencoach/internal/store"
)

// resolveSession picks the session ID and any history to resume, following
// the teacher's -s/-l/-c flag semantics (list is handled by the caller
// before this runs).
func resolveSession(flagSession string, flagContinue bool, db *store.Cache) (string, []provider.Message, error) {
	switch {
	case flagSession != "":
		if db != nil {
			ok, err := db.SessionExists(flagSession)
			if err != nil || !ok {
				return "", nil, fmt.Errorf("session %q not found", flagSession)
			}
		}
		return flagSession, loadHistory(flagSession, db), nil

	case flagContinue:
		if db == nil {
			return "", nil, fmt.Errorf("no cache available to continue a session")
		}
		id, err := db.LatestSessionID()
		if err != nil {
			return "", nil, fmt.Errorf("no sessions to continue: %w", err)
		}
		return id, loadHistory(id, db), nil

	default:
		id := newSessionID()
		if db != nil {
			if err := db.CreateSession(id); err != nil {
				log.Warn().Err(err).Msg("opencoach: failed to create session record")
			}
		}
		return id, nil, nil
	}
}

func loadHistory(sessionID string, db *store.Cache) []provider.Message {
	if db == nil {
		return nil
	}
	msgs, err := db.LoadMessages(sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("opencoach: failed to load session history")
		return nil
	}
	return store.ToProviderMessages(msgs)
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func printSessionList(db *store.Cache) {
	if db == nil {
		fmt.Println("No cache available")
		return
	}
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Timestamp.Format("2006-01-02 15:04")
		preview := strings.ReplaceAll(s.Preview, "\n", " ")
		fmt.Printf("%s  %s  %s\n", s.ID, ts, preview)
	}
}
