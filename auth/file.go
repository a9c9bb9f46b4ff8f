package auth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// user holds one parsed line of the accounts file.
type user struct {
	Name     string
	Password string
}

// usersByName makes a []user searchable by binary search, the same
// layout the teacher keeps its in-memory user list in.
type usersByName []user

func (u usersByName) Len() int           { return len(u) }
func (u usersByName) Swap(i, j int)      { u[i], u[j] = u[j], u[i] }
func (u usersByName) Less(i, j int) bool { return u[i].Name < u[j].Name }

// FileBroker is a self-contained Broker backed by a flat accounts
// file of "username<separator>password" lines, usable without a
// separate auth-service process. It only ever supports the PLAIN
// mechanism and never needs a continuation round.
//
// Grounded on the teacher's FileAuthenticator (this file, originally):
// same file format, same sorted-in-memory lookup, same single-pass
// load at construction. The teacher's per-user session token and
// worker-routing ID play no role here — this front-end hands a
// successful login off to one backend master rather than sharding
// across worker nodes — so those fields are dropped; the credential
// check itself is what is kept and generalized behind the Broker
// interface.
type FileBroker struct {
	mu    sync.Mutex
	users []user
}

// NewFileBroker reads file, splitting each line on sep into a
// username and password, and returns a ready-to-use FileBroker.
func NewFileBroker(file string, sep string) (*FileBroker, error) {

	handle, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("auth: could not open accounts file %q: %w", file, err)
	}
	defer handle.Close()

	users := make([]user, 0, 64)

	scanner := bufio.NewScanner(handle)
	for scanner.Scan() {

		line := scanner.Text()
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, sep, 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("auth: malformed line in accounts file %q: %q", file, line)
		}

		users = append(users, user{Name: parts[0], Password: parts[1]})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("auth: failed reading accounts file %q: %w", file, err)
	}

	sort.Sort(usersByName(users))

	return &FileBroker{users: users}, nil
}

// IsConnected is always true: a FileBroker has no external process
// to lose contact with.
func (f *FileBroker) IsConnected() bool {
	return true
}

// Mechanisms advertises PLAIN once secured, matching the policy that
// gates LOGINDISABLED.
func (f *FileBroker) Mechanisms(secured bool) []string {

	if !secured {
		return nil
	}

	return []string{"PLAIN"}
}

// Submit checks initial as a "username\x00password" pair (as the
// session assembles for LOGIN) or a full SASL PLAIN
// "authzid\x00authcid\x00password" blob synchronously, resolving the
// returned Attempt's Result immediately; FileBroker never issues a
// continuation challenge.
func (f *FileBroker) Submit(_ context.Context, _ string, initial []byte, _ Metadata) (*Attempt, error) {

	username, password, err := splitPlainCredentials(initial)

	attempt, _, resultCh := NewAttempt(
		func([]byte) error { return fmt.Errorf("auth: FileBroker does not use continuations") },
		func() {},
	)

	if err != nil {
		resultCh <- Outcome{Kind: OutcomeFailure, Reason: err.Error()}
		close(resultCh)
		return attempt, nil
	}

	outcome := f.authenticate(username, password)
	resultCh <- outcome
	close(resultCh)

	return attempt, nil
}

func (f *FileBroker) authenticate(username, password string) Outcome {

	f.mu.Lock()
	defer f.mu.Unlock()

	i := sort.Search(len(f.users), func(i int) bool {
		return f.users[i].Name >= username
	})

	if i >= len(f.users) || f.users[i].Name != username {
		return Outcome{Kind: OutcomeFailure, Reason: "Name and / or password wrong"}
	}

	if f.users[i].Password != password {
		return Outcome{Kind: OutcomeFailure, Reason: "Name and / or password wrong"}
	}

	return Outcome{Kind: OutcomeSuccess, VirtualUser: username}
}

// splitPlainCredentials accepts either a bare "username\x00password"
// pair or a full SASL PLAIN "authzid\x00authcid\x00password" blob.
func splitPlainCredentials(initial []byte) (string, string, error) {

	parts := strings.Split(string(initial), "\x00")

	switch len(parts) {
	case 2:
		return parts[0], parts[1], nil
	case 3:
		return parts[1], parts[2], nil
	default:
		return "", "", fmt.Errorf("malformed credentials")
	}
}
