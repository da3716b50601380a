package profile

import (
	"time"
)

// Profile is the durable per-user record. Exactly one current version
// exists per user; updates merge field-by-field (last write wins).
type Profile struct {
	UserID      string            `json:"user_id"`
	SkinType    string            `json:"skin_type,omitempty"`
	Age         int               `json:"age,omitempty"`
	Concerns    []string          `json:"concerns"`
	Preferences map[string]string `json:"preferences"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Default seeds the record returned for users who have never stored a
// profile. A missing profile is not an error.
func Default(userID string) Profile {
	return Profile{
		UserID:      userID,
		Concerns:    []string{},
		Preferences: map[string]string{},
	}
}

// Partial carries a field-level update. Nil pointers and nil collections
// mean "leave unchanged"; supplied collections replace the stored ones
// wholesale rather than being unioned.
type Partial struct {
	SkinType    *string           `json:"skin_type"`
	Age         *int              `json:"age"`
	Concerns    []string          `json:"concerns"`
	Preferences map[string]string `json:"preferences"`
}

// Merge applies p on top of cur and returns the next version. Pure
// function so updates stay atomic from the caller's viewpoint: the cache
// only ever sees the fully merged record.
func Merge(cur Profile, p Partial, now time.Time) Profile {
	next := clone(cur)
	if p.SkinType != nil {
		next.SkinType = *p.SkinType
	}
	if p.Age != nil {
		next.Age = *p.Age
	}
	if p.Concerns != nil {
		next.Concerns = append([]string(nil), p.Concerns...)
	}
	if p.Preferences != nil {
		prefs := make(map[string]string, len(p.Preferences))
		for k, v := range p.Preferences {
			prefs[k] = v
		}
		next.Preferences = prefs
	}
	next.UpdatedAt = now
	return next
}

func clone(p Profile) Profile {
	out := p
	out.Concerns = append([]string(nil), p.Concerns...)
	if out.Concerns == nil {
		out.Concerns = []string{}
	}
	out.Preferences = make(map[string]string, len(p.Preferences))
	for k, v := range p.Preferences {
		out.Preferences[k] = v
	}
	return out
}
