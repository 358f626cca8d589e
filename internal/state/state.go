package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	sessionsBucket = []byte("sessions")
	tokenKey       = []byte("token")
)

// SessionState is the per-account bookkeeping that survives restarts:
// which conversation was open when the client last ran. The entity cache
// itself is deliberately not persisted; it is rebuilt wholesale from the
// query service on every start.
type SessionState struct {
	LastOpenConversation string `json:"lastOpenConversation"`
	UpdatedAt            int64  `json:"updatedAt"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(sessionsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

func dbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".chat-sync", "state.db")
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// GetSession returns the persisted session state for a user, defaulting
// to the zero value for unknown users.
func (s *State) GetSession(userID string) (SessionState, error) {
	var ss SessionState

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		v := b.Get([]byte(userID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ss)
	})

	return ss, err
}

// SetSession persists the session state for a user.
func (s *State) SetSession(userID string, ss SessionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ss)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionsBucket).Put([]byte(userID), data)
	})
}

// SetLastOpenConversation records the open conversation for a user,
// stamping the update time.
func (s *State) SetLastOpenConversation(userID, conversationID string) error {
	return s.SetSession(userID, SessionState{
		LastOpenConversation: conversationID,
		UpdatedAt:            time.Now().UnixMilli(),
	})
}

// DeleteSession removes the persisted state for a user.
func (s *State) DeleteSession(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(userID))
	})
}
