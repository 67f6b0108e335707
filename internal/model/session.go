package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Session struct {
	ID          string          `db:"id" json:"id"`
	PairingCode string          `db:"pairing_code" json:"pairingCode"`
	Name        string          `db:"name" json:"name"`
	Type        string          `db:"type" json:"type"`
	Security    string          `db:"security" json:"security"`
	PhoneNumber string          `db:"phone_number" json:"phoneNumber,omitempty"`
	Status      SessionStatus   `db:"status" json:"status"`
	Devices     Devices         `db:"devices" json:"devices"`
	Credentials json.RawMessage `db:"credentials" json:"-"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	ExpiresAt   time.Time       `db:"expires_at" json:"expiresAt"`
	ConnectedAt *time.Time      `db:"connected_at" json:"connectedAt,omitempty"`
}

type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PairedAt     time.Time `json:"pairedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type DeviceInfo struct {
	Name string `json:"name"`
}

type CreateSessionParams struct {
	Name        string
	Type        string
	Security    string
	PhoneNumber string
	TTL         time.Duration
}

// IsExpiredAt reports whether the session is past its TTL at now, regardless
// of the stored status.
func (s *Session) IsExpiredAt(now time.Time) bool {
	return s.Status == SessionStatusExpired || now.After(s.ExpiresAt)
}

func (s *Session) HasCredentials() bool {
	return len(s.Credentials) > 0
}

// Clone returns a deep copy so callers never share devices or credential
// bytes with a store's canonical record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Devices != nil {
		c.Devices = make(Devices, len(s.Devices))
		copy(c.Devices, s.Devices)
	}
	if s.Credentials != nil {
		c.Credentials = append(json.RawMessage(nil), s.Credentials...)
	}
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		c.ConnectedAt = &t
	}
	return &c
}

// Devices is stored as a JSON array column.
type Devices []Device

func (d Devices) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Devices) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*d = Devices{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("devices: unsupported scan type %T", src)
	}
	return json.Unmarshal(data, d)
}
