package rpc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

// MaxUsers is the size of the RTU credential table.
const MaxUsers = 8

type Role uint8

const (
	RoleViewer Role = iota
	RoleOperator
	RoleEngineer
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleOperator:
		return "operator"
	case RoleEngineer:
		return "engineer"
	case RoleAdmin:
		return "admin"
	default:
		return "invalid"
	}
}

func ParseRole(s string) (Role, error) {
	for r := RoleViewer; r <= RoleAdmin; r++ {
		if r.String() == strings.ToLower(s) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: role %q", types.ErrInvalidParam, s)
}

// User is a local RTU login. Password is plain text and never leaves the
// controller; only its hash is pushed.
type User struct {
	Name     string
	Password string
	Role     Role
}

type HashParams struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

// DefaultHashParams are sized for RTU-side verification on small CPUs.
func DefaultHashParams() HashParams {
	return HashParams{
		Memory:      19 * 1024, // 19 MB
		Iterations:  2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

type PasswordHasher struct {
	params HashParams
}

func NewPasswordHasher(params HashParams) *PasswordHasher {
	def := DefaultHashParams()
	if params.Memory == 0 {
		params.Memory = def.Memory
	}
	if params.Iterations == 0 {
		params.Iterations = def.Iterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = def.Parallelism
	}
	if params.SaltLength == 0 {
		params.SaltLength = def.SaltLength
	}
	if params.KeyLength == 0 {
		params.KeyLength = def.KeyLength
	}
	return &PasswordHasher{params: params}
}

// HashPassword hashes a password using Argon2id
func (ph *PasswordHasher) HashPassword(password string) (string, error) {
	salt := make([]byte, ph.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, ph.params.Iterations, ph.params.Memory, ph.params.Parallelism, ph.params.KeyLength)

	// Format: $argon2id$v=19$m=19456,t=2,p=1$salt$hash
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		ph.params.Memory,
		ph.params.Iterations,
		ph.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks a password against an encoded hash, using the
// parameters stored in the hash.
func VerifyPassword(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("%w: invalid hash format", types.ErrInvalidParam)
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("failed to parse parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

// UserEntry is one decoded credential table row.
type UserEntry struct {
	Name string
	Role Role
	Hash string
}

func encodeUsers(entries []UserEntry) ([]byte, error) {
	b := []byte{uint8(len(entries))}
	for _, u := range entries {
		if len(u.Name) > 32 || len(u.Hash) > 255 {
			return nil, fmt.Errorf("%w: user %q", types.ErrInvalidParam, u.Name)
		}
		b = append(b, uint8(len(u.Name)))
		b = append(b, u.Name...)
		b = append(b, byte(u.Role), uint8(len(u.Hash)))
		b = append(b, u.Hash...)
	}
	if len(b) > MaxRecordLen {
		return nil, fmt.Errorf("%w: credential table of %d bytes", types.ErrResourceExhausted, len(b))
	}
	return b, nil
}

// DecodeUsers parses a credential table record.
func DecodeUsers(data []byte) ([]UserEntry, error) {
	bad := func() error { return fmt.Errorf("%w: credential table", types.ErrMalformedFrame) }
	if len(data) < 1 {
		return nil, bad()
	}
	n := int(data[0])
	data = data[1:]

	out := make([]UserEntry, 0, n)
	for i := 0; i < n; i++ {
		if len(data) < 1 {
			return nil, bad()
		}
		nameLen := int(data[0])
		if len(data) < 1+nameLen+2 {
			return nil, bad()
		}
		name := string(data[1 : 1+nameLen])
		data = data[1+nameLen:]
		role, hashLen := Role(data[0]), int(data[1])
		data = data[2:]
		if len(data) < hashLen {
			return nil, bad()
		}
		out = append(out, UserEntry{Name: name, Role: role, Hash: string(data[:hashLen])})
		data = data[hashLen:]
	}
	if len(data) != 0 {
		return nil, bad()
	}
	return out, nil
}

// SyncUsers replaces the credential table of a device with hashes of users.
func (e *Engine) SyncUsers(ctx context.Context, station string, hasher *PasswordHasher, users []User) error {
	if len(users) > MaxUsers {
		return fmt.Errorf("%w: %d users, device holds %d", types.ErrResourceExhausted, len(users), MaxUsers)
	}

	seen := make(map[string]bool, len(users))
	entries := make([]UserEntry, 0, len(users))
	for _, u := range users {
		if u.Name == "" || seen[u.Name] {
			return fmt.Errorf("%w: user name %q", types.ErrInvalidParam, u.Name)
		}
		if u.Role > RoleAdmin || u.Password == "" {
			return fmt.Errorf("%w: user %q", types.ErrInvalidParam, u.Name)
		}
		seen[u.Name] = true

		hash, err := hasher.HashPassword(u.Password)
		if err != nil {
			return err
		}
		entries = append(entries, UserEntry{Name: u.Name, Role: u.Role, Hash: hash})
	}

	data, err := encodeUsers(entries)
	if err != nil {
		return err
	}
	if err := e.Write(ctx, station, DeviceAddress(IndexUsers), data); err != nil {
		return err
	}

	e.logger.Info("Credentials synced", zap.String("station", station), zap.Int("users", len(entries)))
	return nil
}
