// Package util provides shared utility functions.
package util

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2b"
)

// cookieEpoch is the lifetime of one SYN cookie generation.
const cookieEpoch = time.Minute

// CookieJar issues and verifies stateless SYN cookies bound to a remote
// endpoint. Cookies from the current and the previous epoch are accepted.
type CookieJar struct {
	key [32]byte
	now func() time.Time
}

// NewCookieJar creates a jar with a random secret.
func NewCookieJar() *CookieJar {
	j := &CookieJar{now: time.Now}
	if _, err := rand.Read(j.key[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return j
}

// Issue returns the cookie for ep in the current epoch. Never zero.
func (j *CookieJar) Issue(ep netip.AddrPort) uint32 {
	return j.cookie(ep, j.epoch())
}

// Verify reports whether c was issued for ep recently.
func (j *CookieJar) Verify(ep netip.AddrPort, c uint32) bool {
	if c == 0 {
		return false
	}
	e := j.epoch()
	return c == j.cookie(ep, e) || c == j.cookie(ep, e-1)
}

func (j *CookieJar) epoch() uint64 {
	return uint64(j.now().Unix()) / uint64(cookieEpoch/time.Second)
}

func (j *CookieJar) cookie(ep netip.AddrPort, epoch uint64) uint32 {
	h, _ := blake2b.New256(j.key[:]) // only fails for keys over 64 bytes

	addr := ep.Addr().As16()
	h.Write(addr[:])

	var buf [10]byte
	binary.BigEndian.PutUint16(buf[0:2], ep.Port())
	binary.BigEndian.PutUint64(buf[2:10], epoch)
	h.Write(buf[:])

	c := binary.BigEndian.Uint32(h.Sum(nil))
	if c == 0 {
		c = 1
	}
	return c
}
