// Package redact removes sensitive literals from job output before it is
// stored in a run's log buffer.
//
// Redaction works on whole lines only. A sensitive value that spans a line
// terminator cannot be matched; values containing newlines are therefore
// also redacted line by line (each non-empty segment is registered).
package redact

import (
	"sort"
	"strings"
)

// Mask is the fixed replacement for secret literals.
const Mask = "********"

// MaskIdentity returns a display form of an account address: the first one
// or two characters of the local part are kept, the rest of the local part
// becomes '*', and the domain is kept verbatim.
//
// Values without an '@' are fully masked. Lengths count characters, not bytes.
func MaskIdentity(address string) string {
	name, domain, ok := strings.Cut(address, "@")
	if !ok || name == "" {
		return "***"
	}
	runes := []rune(name)
	keep := 2
	if len(runes) <= 2 {
		keep = 1
	}
	return string(runes[:keep]) + strings.Repeat("*", len(runes)-keep) + "@" + domain
}

// Redactor replaces secret literals with Mask and the account address with
// its masked form.
type Redactor struct {
	replacer *strings.Replacer
}

// NewRedactor builds a Redactor for the given secrets and account address.
// Empty values are ignored.
//
// The masked address is itself scrubbed of secrets, so a secret that occurs
// inside the address never survives through the identity replacement.
func NewRedactor(secrets []string, identity string) *Redactor {
	seen := map[string]bool{}

	var literals []string
	for _, s := range secrets {
		for _, part := range strings.Split(s, "\n") {
			part = strings.TrimRight(part, "\r")
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			literals = append(literals, part)
		}
	}

	reps := make([]replacement, 0, len(literals)+1)
	for _, lit := range literals {
		reps = append(reps, replacement{lit, Mask})
	}
	if identity = strings.TrimSpace(identity); identity != "" && !seen[identity] {
		masked := MaskIdentity(identity)
		if len(reps) > 0 {
			masked = strings.NewReplacer(replacerPairs(reps)...).Replace(masked)
		}
		reps = append(reps, replacement{identity, masked})
	}
	if len(reps) == 0 {
		return &Redactor{}
	}
	return &Redactor{replacer: strings.NewReplacer(replacerPairs(reps)...)}
}

type replacement struct{ old, new string }

// replacerPairs orders replacements longest first. At any position the
// longest sensitive value wins, so a secret that prefixes another value
// cannot leave the remainder visible.
func replacerPairs(reps []replacement) []string {
	sorted := append([]replacement(nil), reps...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].old) > len(sorted[j].old) })
	pairs := make([]string, 0, 2*len(sorted))
	for _, rep := range sorted {
		pairs = append(pairs, rep.old, rep.new)
	}
	return pairs
}

// Redact returns line with every sensitive literal replaced.
func (r *Redactor) Redact(line string) string {
	if r == nil || r.replacer == nil {
		return line
	}
	return r.replacer.Replace(line)
}
