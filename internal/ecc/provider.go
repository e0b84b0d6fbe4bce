package ecc

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sync"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/protocol"
)

// HashAlgorithm identifies a digest supported by the provider cache.
type HashAlgorithm int

const (
	SHA1 HashAlgorithm = iota
	SHA256
	SHA512
)

func (a HashAlgorithm) String() string {
	switch a {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	}
	return fmt.Sprintf("HashAlgorithm(%d)", int(a))
}

// CurvePurpose distinguishes signing handles from key-agreement handles.
type CurvePurpose int

const (
	PurposeECDSA CurvePurpose = iota
	PurposeECDH
)

var (
	ErrUnknownAlgorithm = protocol.NewError(protocol.CodeResource, "crypto provider unavailable")
)

type hashKey struct {
	alg      HashAlgorithm
	usingMac bool
}

type curveKey struct {
	curve   CurveID
	purpose CurvePurpose
}

// HashProvider constructs hash or HMAC instances for one algorithm.
type HashProvider struct {
	key      hashKey
	newHash  func() hash.Hash
	refCount int
}

// New returns a fresh hash. For MAC providers, key is the HMAC key; otherwise it is ignored.
func (p *HashProvider) New(key []byte) hash.Hash {
	if p.key.usingMac {
		return hmac.New(p.newHash, key)
	}
	return p.newHash()
}

// CurveProvider exposes the curve implementation for one (curve, purpose) pair.
type CurveProvider struct {
	key      curveKey
	Curve    elliptic.Curve
	refCount int
}

// ProviderCache is a process-wide cache of crypto provider handles. Handles are opened lazily on
// first use, shared between callers, and closed by Shutdown.
type ProviderCache struct {
	mu          sync.Mutex
	initialized bool
	hashes      map[hashKey]*HashProvider
	curves      map[curveKey]*CurveProvider
}

// Providers is the cache used by this package.
var Providers = &ProviderCache{}

// Init prepares the cache. Calling Init on an initialized cache has no effect.
func (c *ProviderCache) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()
}

func (c *ProviderCache) initLocked() {
	if c.initialized {
		return
	}
	c.hashes = make(map[hashKey]*HashProvider)
	c.curves = make(map[curveKey]*CurveProvider)
	c.initialized = true
}

// Shutdown releases every cached handle. It is idempotent, and the cache reinitializes itself on
// the next acquisition.
func (c *ProviderCache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	for k, p := range c.hashes {
		if p.refCount > 0 {
			log.Warning("crypto provider %s (mac=%v) closed with %d outstanding handles", k.alg, k.usingMac, p.refCount)
		}
	}
	for k, p := range c.curves {
		if p.refCount > 0 {
			log.Warning("crypto provider %s/%d closed with %d outstanding handles", k.curve, k.purpose, p.refCount)
		}
	}
	c.hashes = nil
	c.curves = nil
	c.initialized = false
}

// Handle is a scoped reference to a cached provider. Release is idempotent.
type Handle[T any] struct {
	Provider T
	release  func()
	once     sync.Once
}

func (h *Handle[T]) Release() {
	h.once.Do(h.release)
}

// AcquireHash returns a handle for the given digest algorithm.
func (c *ProviderCache) AcquireHash(alg HashAlgorithm, usingMac bool) (*Handle[*HashProvider], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()

	key := hashKey{alg, usingMac}
	p, ok := c.hashes[key]
	if !ok {
		var newHash func() hash.Hash
		switch alg {
		case SHA1:
			newHash = sha1.New
		case SHA256:
			newHash = sha256.New
		case SHA512:
			newHash = sha512.New
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
		}
		p = &HashProvider{key: key, newHash: newHash}
		c.hashes[key] = p
	}
	p.refCount++
	return &Handle[*HashProvider]{Provider: p, release: func() { c.releaseHash(p) }}, nil
}

// AcquireCurve returns a handle for the given curve and purpose.
func (c *ProviderCache) AcquireCurve(curve CurveID, purpose CurvePurpose) (*Handle[*CurveProvider], error) {
	if curve != CurveNISTP256 {
		return nil, ErrInvalidCurve
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()

	key := curveKey{curve, purpose}
	p, ok := c.curves[key]
	if !ok {
		p = &CurveProvider{key: key, Curve: p256}
		c.curves[key] = p
	}
	p.refCount++
	return &Handle[*CurveProvider]{Provider: p, release: func() { c.releaseCurve(p) }}, nil
}

func (c *ProviderCache) releaseHash(p *HashProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.refCount > 0 {
		p.refCount--
	}
}

func (c *ProviderCache) releaseCurve(p *CurveProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.refCount > 0 {
		p.refCount--
	}
}

// Outstanding returns the number of handles that have been acquired but not released.
func (c *ProviderCache) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.hashes {
		n += p.refCount
	}
	for _, p := range c.curves {
		n += p.refCount
	}
	return n
}

// HMAC computes HMAC(key, parts...) using a cached provider.
func HMAC(alg HashAlgorithm, key []byte, parts ...[]byte) ([]byte, error) {
	handle, err := Providers.AcquireHash(alg, true)
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	mac := handle.Provider.New(key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil), nil
}
