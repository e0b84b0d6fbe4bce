// Package credentials defines the bundle exchanged between authentication mechanisms and the
// application when credentials are requested or verified.
package credentials

import (
	"fmt"
	"strings"
	"time"
)

// Mask selects credential fields. The application may return any subset of what was requested.
type Mask uint16

const (
	// Password is a password, pass phrase or PIN. For PSK it is the pre-shared key.
	Password Mask = 0x0001
	// UserName is a user name.
	UserName Mask = 0x0002
	// CertChain is a PEM encoded certificate chain, leaf first.
	CertChain Mask = 0x0004
	// PrivateKey is a PEM encoded private key.
	PrivateKey Mask = 0x0008
	// LogonEntry is a logon entry that can be written to the key store.
	LogonEntry Mask = 0x0010
	// Expiration is the lifetime of the credentials in seconds.
	Expiration Mask = 0x0020

	// NewPassword asks the user for a new password and confirmation. Request only.
	NewPassword Mask = 0x1001
	// OneTimePassword indicates the password will be used once. Request only.
	OneTimePassword Mask = 0x2001
)

var maskNames = []struct {
	mask Mask
	name string
}{
	{NewPassword, "NewPassword"},
	{OneTimePassword, "OneTimePassword"},
	{Password, "Password"},
	{UserName, "UserName"},
	{CertChain, "CertChain"},
	{PrivateKey, "PrivateKey"},
	{LogonEntry, "LogonEntry"},
	{Expiration, "Expiration"},
}

func (m Mask) String() string {
	var names []string
	remaining := m
	for _, item := range maskNames {
		if remaining&item.mask == item.mask {
			names = append(names, item.name)
			remaining &^= item.mask
		}
	}
	if remaining != 0 {
		names = append(names, fmt.Sprintf("0x%04x", uint16(remaining)))
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// NoExpiration is returned by Credentials.Expiration when no expiration was set.
const NoExpiration uint32 = 0xFFFFFFFF

// Credentials is a bundle of optional fields with a presence mask. Setters mark the field as
// present. The zero value is empty.
type Credentials struct {
	mask       Mask
	password   []byte
	userName   string
	certChain  []byte
	privateKey []byte
	logonEntry string
	expiration uint32
}

// IsSet returns true iff every field selected by mask is present.
func (c *Credentials) IsSet(mask Mask) bool {
	return c.mask&mask == mask
}

// Mask returns the presence mask.
func (c *Credentials) Mask() Mask {
	return c.mask
}

// SetPassword sets the password. For PSK this is the pre-shared key.
func (c *Credentials) SetPassword(password []byte) {
	c.password = append([]byte{}, password...)
	c.mask |= Password
}

func (c *Credentials) Password() []byte {
	return c.password
}

func (c *Credentials) SetUserName(name string) {
	c.userName = name
	c.mask |= UserName
}

func (c *Credentials) UserName() string {
	return c.userName
}

// SetCertChain sets a PEM encoded certificate chain, leaf first.
func (c *Credentials) SetCertChain(pem []byte) {
	c.certChain = append([]byte{}, pem...)
	c.mask |= CertChain
}

func (c *Credentials) CertChain() []byte {
	return c.certChain
}

// SetPrivateKey sets a PEM encoded private key.
func (c *Credentials) SetPrivateKey(pem []byte) {
	c.privateKey = append([]byte{}, pem...)
	c.mask |= PrivateKey
}

func (c *Credentials) PrivateKey() []byte {
	return c.privateKey
}

func (c *Credentials) SetLogonEntry(entry string) {
	c.logonEntry = entry
	c.mask |= LogonEntry
}

func (c *Credentials) LogonEntry() string {
	return c.logonEntry
}

// SetExpiration sets the number of seconds the resulting session secret should remain valid.
func (c *Credentials) SetExpiration(seconds uint32) {
	c.expiration = seconds
	c.mask |= Expiration
}

// Expiration returns the expiration in seconds, or NoExpiration.
func (c *Credentials) Expiration() uint32 {
	if !c.IsSet(Expiration) {
		return NoExpiration
	}
	return c.expiration
}

// ExpirationDuration is Expiration as a time.Duration. The second return value is false if no
// expiration was set.
func (c *Credentials) ExpirationDuration() (time.Duration, bool) {
	if !c.IsSet(Expiration) {
		return 0, false
	}
	return time.Duration(c.expiration) * time.Second, true
}

// Clear zeroes every field and the presence mask.
func (c *Credentials) Clear() {
	zero(c.password)
	zero(c.certChain)
	zero(c.privateKey)
	*c = Credentials{}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
