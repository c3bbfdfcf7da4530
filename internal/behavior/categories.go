package behavior

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var reCategory = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Profile is the static fallback behavior of a category, used until its
// TimingModel has enough samples.
type Profile struct {
	Name    string
	Aliases []string
	// DefaultHours are the candidate delivery hours; one is picked at random
	// so unmeasured categories don't all converge on the same minute.
	DefaultHours []int
	// GoodFrom/GoodTo bound the static "good time" window [from, to).
	GoodFrom int
	GoodTo   int
}

func (p Profile) goodAt(hour int) bool {
	if p.GoodFrom <= p.GoodTo {
		return hour >= p.GoodFrom && hour < p.GoodTo
	}
	return hour >= p.GoodFrom || hour < p.GoodTo
}

// FallbackProfile applies to categories without a registered profile.
var FallbackProfile = Profile{Name: "default", DefaultHours: []int{12}, GoodFrom: 9, GoodTo: 21}

// DefaultProfiles are the built-in categories.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "contact_reminder", Aliases: []string{"contact"}, DefaultHours: []int{9, 12, 15, 18}, GoodFrom: 9, GoodTo: 21},
		{Name: "goal_reminder", Aliases: []string{"goal"}, DefaultHours: []int{9}, GoodFrom: 8, GoodTo: 12},
		{Name: "habit_reminder", Aliases: []string{"habit"}, DefaultHours: []int{20}, GoodFrom: 19, GoodTo: 22},
		{Name: "activity_suggestion", Aliases: []string{"activity"}, DefaultHours: []int{14, 15, 16}, GoodFrom: 10, GoodTo: 20},
		{Name: "motivation", DefaultHours: []int{8}, GoodFrom: 7, GoodTo: 10},
		{Name: "streak_warning", Aliases: []string{"streak"}, DefaultHours: []int{21}, GoodFrom: 18, GoodTo: 24},
	}
}

// Registry is the set of categories the engine accepts.
//
// When AllowUnknown is set, any well-formed key is accepted and unregistered
// ones use FallbackProfile.
type Registry struct {
	mu           sync.RWMutex
	byKey        map[string]Profile
	allowUnknown bool
}

func NewRegistry(allowUnknown bool, profiles ...Profile) (*Registry, error) {
	r := &Registry{byKey: map[string]Profile{}, allowUnknown: allowUnknown}
	for _, p := range profiles {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry is a strict registry with DefaultProfiles.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(false, DefaultProfiles()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds or replaces a profile and its aliases.
func (r *Registry) Register(p Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	if !reCategory.MatchString(p.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, p.Name)
	}
	if len(p.DefaultHours) == 0 {
		p.DefaultHours = FallbackProfile.DefaultHours
	}
	for _, h := range p.DefaultHours {
		if !validHour(h) {
			return fmt.Errorf("category %s: default hour %d out of range", p.Name, h)
		}
	}
	if !validHour(p.GoodFrom) || p.GoodTo < 0 || p.GoodTo > 24 {
		return fmt.Errorf("category %s: invalid good window %d-%d", p.Name, p.GoodFrom, p.GoodTo)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[p.Name] = p
	for _, a := range p.Aliases {
		a = strings.TrimSpace(a)
		if !reCategory.MatchString(a) {
			return fmt.Errorf("%w: alias %q", ErrInvalidCategory, a)
		}
		r.byKey[a] = p
	}
	return nil
}

// Validate checks a category key at the API boundary.
func (r *Registry) Validate(category string) error {
	_, err := r.Lookup(category)
	return err
}

// Lookup returns the profile for category.
func (r *Registry) Lookup(category string) (Profile, error) {
	if !reCategory.MatchString(category) {
		return Profile{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	r.mu.RLock()
	p, ok := r.byKey[category]
	allow := r.allowUnknown
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if allow {
		return FallbackProfile, nil
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
}

// Names lists registered keys (aliases included), sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// profile is Lookup without the error; invalid keys get the fallback.
func (r *Registry) profile(category string) Profile {
	p, err := r.Lookup(category)
	if err != nil {
		return FallbackProfile
	}
	return p
}
