// Package department holds the closed set of departments a support chat can be
// routed to and the single canonicalization used wherever a department name is
// stored or compared.
package department

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var ErrUnknown = errors.New("unknown department")

// Known lists every routable department in canonical form.
var Known = []string{
	"ADMINISTRATIVO",
	"COMERCIAL",
	"COMPRAS",
	"DEPARTAMENTO PESSOAL",
	"DIRETORIA",
	"FINANCEIRO",
	"JURIDICO",
	"TI",
}

var known = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Known))
	for _, d := range Known {
		m[d] = struct{}{}
	}
	return m
}()

// Canonical uppercases s, strips diacritics, trims it and collapses inner
// whitespace, so "  Jurídico " and "JURIDICO" compare equal.
// Canonical(Canonical(s)) == Canonical(s).
func Canonical(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.ToUpper(strings.Join(strings.Fields(stripped), " "))
}

// Parse canonicalizes s and checks it against Known.
func Parse(s string) (string, error) {
	c := Canonical(s)
	if _, ok := known[c]; !ok {
		return "", ErrUnknown
	}
	return c, nil
}

// Match reports whether a caller in department callerDept may act on a chat
// routed to chatDept. Both sides go through Canonical; an empty department
// never matches.
func Match(callerDept, chatDept string) bool {
	a, b := Canonical(callerDept), Canonical(chatDept)
	return a != "" && a == b
}
