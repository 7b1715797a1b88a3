// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fingerprint maps profile names to TLS ClientHello identities and caches the
// randomized identity.
package fingerprint

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	utls "github.com/refraction-networking/utls"
)

// Profile names a ClientHello identity.
type Profile string

const (
	Chrome     Profile = "chrome"
	Firefox    Profile = "firefox"
	Safari     Profile = "safari"
	Edge       Profile = "edge"
	OkHttp     Profile = "okhttp"
	IOS        Profile = "ios"
	Randomized Profile = "randomized"
)

// DefaultProfile is used when no profile is named.
const DefaultProfile = OkHttp

// ErrUnknownProfile is returned for names outside the recognized set.
var ErrUnknownProfile = errors.New("unknown fingerprint profile")

type preset struct {
	helloID   utls.ClientHelloID
	userAgent string
}

const chromeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

var presets = map[Profile]preset{
	Chrome: {utls.HelloChrome_Auto, chromeUserAgent},
	Firefox: {utls.HelloFirefox_Auto,
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0"},
	Safari: {utls.HelloSafari_Auto,
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15"},
	Edge:   {utls.HelloEdge_Auto, chromeUserAgent + " Edg/131.0.0.0"},
	OkHttp: {utls.HelloAndroid_11_OkHttp, "okhttp/4.9.3"},
	IOS: {utls.HelloIOS_Auto,
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1"},
}

// Browser User-Agents a randomized identity can pair with.
var randomizedUserAgents = []string{
	presets[Chrome].userAgent,
	presets[Firefox].userAgent,
	presets[Safari].userAgent,
	presets[Edge].userAgent,
}

// Profiles returns the recognized profile names.
func Profiles() []Profile {
	return []Profile{Chrome, Firefox, Safari, Edge, OkHttp, IOS, Randomized}
}

// ParseProfile resolves a case-insensitive profile name. The empty name selects [DefaultProfile].
func ParseProfile(name string) (Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultProfile, nil
	}
	p := Profile(name)
	if p == Randomized {
		return p, nil
	}
	if _, ok := presets[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Fingerprint is a resolved ClientHello identity plus the User-Agent of the same client.
type Fingerprint struct {
	Profile   Profile
	HelloID   utls.ClientHelloID
	UserAgent string
}

// Template builds the ClientHello of this fingerprint and summarizes it.
func (f Fingerprint) Template() (*Template, error) {
	return BuildTemplate(f.HelloID)
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s (%s)", f.Profile, f.HelloID.Str())
}

// maxRandomAttempts bounds the regeneration of randomized identities that fail validation.
const maxRandomAttempts = 32

// Catalog resolves profiles to fingerprints. The randomized fingerprint is generated on first use
// and shared until [Catalog.Reset].
//
// The zero value is ready to use.
type Catalog struct {
	mu         sync.Mutex
	randomized *Fingerprint
	// newSeed is replaced in tests.
	newSeed func() (*utls.PRNGSeed, error)
}

// NewCatalog creates an empty [Catalog].
func NewCatalog() *Catalog {
	return &Catalog{}
}

// Lookup returns the fingerprint for the profile.
func (c *Catalog) Lookup(p Profile) (Fingerprint, error) {
	if p == Randomized {
		return c.lookupRandomized()
	}
	ps, ok := presets[p]
	if !ok {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrUnknownProfile, p)
	}
	return Fingerprint{Profile: p, HelloID: ps.helloID, UserAgent: ps.userAgent}, nil
}

// Reset drops the cached randomized fingerprint. The next randomized lookup generates a new one.
func (c *Catalog) Reset() {
	c.mu.Lock()
	c.randomized = nil
	c.mu.Unlock()
}

func (c *Catalog) lookupRandomized() (Fingerprint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.randomized != nil {
		return *c.randomized, nil
	}
	newSeed := c.newSeed
	if newSeed == nil {
		newSeed = utls.NewPRNGSeed
	}
	var lastErr error
	for range maxRandomAttempts {
		seed, err := newSeed()
		if err != nil {
			return Fingerprint{}, fmt.Errorf("failed to create seed: %w", err)
		}
		id := utls.HelloRandomizedALPN
		id.Seed = seed
		tmpl, err := BuildTemplate(id)
		if err != nil {
			lastErr = err
			continue
		}
		if err := tmpl.validate(); err != nil {
			lastErr = err
			continue
		}
		c.randomized = &Fingerprint{
			Profile:   Randomized,
			HelloID:   id,
			UserAgent: randomizedUserAgents[int(seed[0])%len(randomizedUserAgents)],
		}
		return *c.randomized, nil
	}
	return Fingerprint{}, fmt.Errorf("no usable randomized ClientHello after %d attempts: %w", maxRandomAttempts, lastErr)
}
