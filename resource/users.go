// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rhizolab/rhizo-server/access"
)

// Role is a user's system-wide role.
type Role int

const (
	// RoleStandard users have only the access the tree grants them.
	RoleStandard Role = 0
	// RoleSystemAdmin users have write access everywhere.
	RoleSystemAdmin Role = 1
)

// User is an account.
type User struct {
	ID       int64
	UserName string
	Email    string
	FullName string
	Role     Role
}

// ErrAuthFailed is returned for bad credentials of any flavor: unknown
// user, wrong password, unknown or revoked key. Callers must not
// distinguish which.
var ErrAuthFailed = errors.New("resource: authentication failed")

// CreateUserParams are the inputs to CreateUser.
type CreateUserParams struct {
	UserName string
	Email    string
	FullName string
	Password string
	Role     Role
}

// CreateUser creates an account with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, params CreateUserParams) (*User, error) {
	if params.UserName == "" && params.Email == "" {
		return nil, fmt.Errorf("resource: user needs a user name or email")
	}
	if params.Password == "" {
		return nil, fmt.Errorf("resource: user needs a password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("resource: hashing password: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO users (user_name, email_address, password_hash, full_name, role, deleted)
		VALUES (?, ?, ?, ?, ?, 0)`,
		&sqlitex.ExecOptions{Args: []any{
			params.UserName, params.Email, string(hash), params.FullName, int(params.Role),
		}})
	if err != nil {
		return nil, fmt.Errorf("resource: inserting user: %w", err)
	}
	return &User{
		ID:       conn.LastInsertRowID(),
		UserName: params.UserName,
		Email:    params.Email,
		FullName: params.FullName,
		Role:     params.Role,
	}, nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	user, _, err := userByQuery(conn, "id = ?", id)
	return user, err
}

func userByQuery(conn *sqlite.Conn, where string, arg any) (*User, string, error) {
	var user *User
	var passwordHash string
	err := sqlitex.Execute(conn,
		"SELECT id, user_name, email_address, full_name, role, password_hash FROM users WHERE deleted = 0 AND "+where,
		&sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				user = &User{
					ID:       stmt.ColumnInt64(0),
					UserName: stmt.ColumnText(1),
					Email:    stmt.ColumnText(2),
					FullName: stmt.ColumnText(3),
					Role:     Role(stmt.ColumnInt64(4)),
				}
				passwordHash = stmt.ColumnText(5)
				return nil
			},
		})
	if err != nil {
		return nil, "", fmt.Errorf("resource: reading user: %w", err)
	}
	if user == nil {
		return nil, "", fmt.Errorf("%w: user", ErrNotFound)
	}
	return user, passwordHash, nil
}

// AuthenticateUser verifies a password login. The identifier may be a
// user name or an email address.
func (s *Store) AuthenticateUser(ctx context.Context, identifier, password string) (*User, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	user, hash, err := userByQuery(conn, "(user_name = ? OR email_address = ?1)", identifier)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrAuthFailed
	}
	return user, nil
}

// AddOrganizationUser adds a user to an organization.
func (s *Store) AddOrganizationUser(ctx context.Context, orgID, userID int64, isAdmin bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	admin := 0
	if isAdmin {
		admin = 1
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO organization_users (organization_id, user_id, is_admin) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{orgID, userID, admin}})
	if err != nil {
		return fmt.Errorf("resource: adding user %d to organization %d: %w", userID, orgID, err)
	}
	return nil
}

func userOrgIDs(conn *sqlite.Conn, userID int64) ([]int64, error) {
	var orgIDs []int64
	err := sqlitex.Execute(conn,
		"SELECT organization_id FROM organization_users WHERE user_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				orgIDs = append(orgIDs, stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("resource: listing organizations for user %d: %w", userID, err)
	}
	return orgIDs, nil
}

// ActorForUser builds the access actor for a user: role plus resolved
// organization memberships.
func (s *Store) ActorForUser(ctx context.Context, userID int64) (access.Actor, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return access.Actor{}, err
	}
	defer s.pool.Put(conn)
	return actorForUserConn(conn, userID)
}

func actorForUserConn(conn *sqlite.Conn, userID int64) (access.Actor, error) {
	user, _, err := userByQuery(conn, "id = ?", userID)
	if err != nil {
		return access.Actor{}, err
	}
	orgIDs, err := userOrgIDs(conn, userID)
	if err != nil {
		return access.Actor{}, err
	}
	return access.Actor{
		UserID:      user.ID,
		SystemAdmin: user.Role == RoleSystemAdmin,
		UserOrgIDs:  orgIDs,
	}, nil
}

// ActorForController builds the access actor for a controller.
func (s *Store) ActorForController(ctx context.Context, controllerID int64) (access.Actor, error) {
	controller, err := s.Get(ctx, controllerID)
	if err != nil {
		return access.Actor{}, err
	}
	if controller.Kind != KindControllerFolder {
		return access.Actor{}, fmt.Errorf("resource: %d is a %s, not a controller", controllerID, controller.Kind)
	}
	return access.Actor{
		ControllerID:    controller.ID,
		ControllerOrgID: controller.OrganizationID,
	}, nil
}

// KeyParams are the inputs to CreateKey. Exactly one of AccessAsUserID
// and AccessAsControllerID must be set.
type KeyParams struct {
	// OrganizationID scopes the key, zero for none.
	OrganizationID int64

	// CreationUserID records who minted the key.
	CreationUserID int64

	// AccessAsUserID makes the key act as this user.
	AccessAsUserID int64

	// AccessAsControllerID makes the key act as this controller.
	AccessAsControllerID int64
}

// CreateKey mints an API key and returns its secret text, which is
// shown exactly once: only a bcrypt hash and a SHA-512 lookup digest
// are stored.
func (s *Store) CreateKey(ctx context.Context, params KeyParams) (secret string, keyID int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", 0, err
	}
	defer s.pool.Put(conn)

	return createKeyConn(conn, params)
}

func createKeyConn(conn *sqlite.Conn, params KeyParams) (secret string, keyID int64, err error) {
	if (params.AccessAsUserID == 0) == (params.AccessAsControllerID == 0) {
		return "", 0, fmt.Errorf("resource: key needs exactly one of user or controller identity")
	}

	secret = "k-" + uuid.NewString()
	keyHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", 0, fmt.Errorf("resource: hashing key: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO keys (organization_id, creation_user_id, access_as_user_id,
			access_as_controller_id, key_hash, lookup_hash, revocation_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		&sqlitex.ExecOptions{Args: []any{
			nullableID(params.OrganizationID), nullableID(params.CreationUserID),
			nullableID(params.AccessAsUserID), nullableID(params.AccessAsControllerID),
			string(keyHash), lookupHash(secret),
		}})
	if err != nil {
		return "", 0, fmt.Errorf("resource: inserting key: %w", err)
	}
	return secret, conn.LastInsertRowID(), nil
}

// nullableID maps a zero id to NULL.
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// lookupHash is the fast non-salted digest used to find a key row
// before the bcrypt comparison confirms it.
func lookupHash(secret string) string {
	sum := sha512.Sum512([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// AuthenticateKey verifies an API key and returns the actor it acts
// as. Revoked and unknown keys both return ErrAuthFailed.
func (s *Store) AuthenticateKey(ctx context.Context, secret string) (access.Actor, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return access.Actor{}, err
	}
	defer s.pool.Put(conn)

	var keyHash string
	var accessAsUserID, accessAsControllerID int64
	found := false
	err = sqlitex.Execute(conn, `
		SELECT key_hash, access_as_user_id, access_as_controller_id
		FROM keys WHERE lookup_hash = ? AND revocation_timestamp IS NULL`,
		&sqlitex.ExecOptions{
			Args: []any{lookupHash(secret)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				keyHash = stmt.ColumnText(0)
				accessAsUserID = stmt.ColumnInt64(1)
				accessAsControllerID = stmt.ColumnInt64(2)
				return nil
			},
		})
	if err != nil {
		return access.Actor{}, fmt.Errorf("resource: key lookup: %w", err)
	}
	if !found || bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(secret)) != nil {
		return access.Actor{}, ErrAuthFailed
	}

	if accessAsUserID != 0 {
		actor, err := actorForUserConn(conn, accessAsUserID)
		if err != nil {
			return access.Actor{}, ErrAuthFailed
		}
		return actor, nil
	}
	controller, err := getConn(conn, accessAsControllerID)
	if err != nil || controller.Deleted {
		return access.Actor{}, ErrAuthFailed
	}
	return access.Actor{
		ControllerID:    controller.ID,
		ControllerOrgID: controller.OrganizationID,
	}, nil
}

// RevokeKey invalidates a key.
func (s *Store) RevokeKey(ctx context.Context, keyID int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE keys SET revocation_timestamp = ? WHERE id = ? AND revocation_timestamp IS NULL",
		&sqlitex.ExecOptions{Args: []any{s.clock.Now().UTC().UnixNano(), keyID}})
	if err != nil {
		return fmt.Errorf("resource: revoking key %d: %w", keyID, err)
	}
	return nil
}

// pinValidity is how long a pairing PIN can sit unentered or
// unclaimed.
const pinValidity = 10 * time.Minute

// PIN is a device pairing code: the device displays the short PIN, a
// logged-in user enters it, and the device exchanges PIN plus its
// secret code for an API key.
type PIN struct {
	// PIN is the short number the device displays.
	PIN int

	// Code is the device-held secret presented alongside the PIN when
	// claiming.
	Code string
}

// ErrPINNotReady is returned by ClaimPIN while the PIN exists but no
// user has entered it yet. Devices poll until the claim succeeds.
var ErrPINNotReady = errors.New("resource: pin not entered yet")

// CreatePIN starts a pairing handshake.
func (s *Store) CreatePIN(ctx context.Context) (*PIN, error) {
	number, err := rand.Int(rand.Reader, big.NewInt(9000000))
	if err != nil {
		return nil, fmt.Errorf("resource: generating pin: %w", err)
	}
	pin := &PIN{
		PIN:  int(number.Int64()) + 1000000,
		Code: uuid.NewString(),
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO pins (pin, code, creation_timestamp, key_created) VALUES (?, ?, ?, 0)",
		&sqlitex.ExecOptions{Args: []any{pin.PIN, pin.Code, s.clock.Now().UTC().UnixNano()}})
	if err != nil {
		return nil, fmt.Errorf("resource: inserting pin: %w", err)
	}
	return pin, nil
}

// EnterPIN records that a logged-in user vouched for a displayed PIN.
func (s *Store) EnterPIN(ctx context.Context, pin int, userID int64) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("resource: begin pin entry: %w", err)
	}
	defer endFn(&err)

	now := s.clock.Now().UTC()
	earliest := now.Add(-pinValidity).UnixNano()
	var pinID int64
	found := false
	err = sqlitex.Execute(conn, `
		SELECT id FROM pins
		WHERE pin = ? AND creation_timestamp > ? AND enter_timestamp IS NULL AND key_created = 0`,
		&sqlitex.ExecOptions{
			Args: []any{pin, earliest},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				pinID = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("resource: pin lookup: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: pin %d", ErrNotFound, pin)
	}

	err = sqlitex.Execute(conn,
		"UPDATE pins SET enter_timestamp = ?, user_id = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{now.UnixNano(), userID, pinID}})
	if err != nil {
		return fmt.Errorf("resource: entering pin: %w", err)
	}
	return nil
}

// ClaimPIN completes the pairing handshake from the device side,
// minting an API key that acts as the vouching user. Each PIN yields
// at most one key.
func (s *Store) ClaimPIN(ctx context.Context, pin int, code string) (secret string, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("resource: begin pin claim: %w", err)
	}
	defer endFn(&err)

	earliest := s.clock.Now().UTC().Add(-pinValidity).UnixNano()
	var pinID, userID int64
	entered := false
	found := false
	err = sqlitex.Execute(conn, `
		SELECT id, user_id, enter_timestamp IS NOT NULL FROM pins
		WHERE pin = ? AND code = ? AND creation_timestamp > ? AND key_created = 0`,
		&sqlitex.ExecOptions{
			Args: []any{pin, code, earliest},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				pinID = stmt.ColumnInt64(0)
				userID = stmt.ColumnInt64(1)
				entered = stmt.ColumnInt64(2) != 0
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("resource: pin claim lookup: %w", err)
	}
	if !found {
		return "", fmt.Errorf("%w: pin %d", ErrNotFound, pin)
	}
	if !entered {
		return "", ErrPINNotReady
	}

	secret, _, err = createKeyConn(conn, KeyParams{
		CreationUserID: userID,
		AccessAsUserID: userID,
	})
	if err != nil {
		return "", err
	}
	err = sqlitex.Execute(conn,
		"UPDATE pins SET key_created = 1 WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{pinID}})
	if err != nil {
		return "", fmt.Errorf("resource: finishing pin claim: %w", err)
	}
	return secret, nil
}
