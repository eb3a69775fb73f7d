// Package normalize parses a raw shell command into the canonical form the
// classifier matches against.
//
// Normalization is deterministic and side-effect-free.  Path resolution is
// lexical only: nothing is looked up on the filesystem.  The function never
// fails; input that cannot be tokenized comes back with ParseStatus
// ParseFallback and a single segment holding the raw string, which the
// classifier treats as grounds for a one-step tier upgrade.
package normalize

import (
	"os"
	"path"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// ParseStatus reports how far tokenization got.
type ParseStatus string

const (
	ParseOK       ParseStatus = "ok"
	ParseFallback ParseStatus = "fallback"
)

// Normalized is the canonical form of one raw command.
type Normalized struct {
	Raw              string
	Cwd              string
	PrimaryTokens    []string
	Segments         []Segment
	WrappersStripped []string
	ParseStatus      ParseStatus
}

// Segment is one top-level command in a compound line, or the body of a
// command substitution.
type Segment struct {
	// Tokens are the shell words after wrapper stripping.
	Tokens []string
	// Primary is the first token, the command being run.
	Primary string
	// Resolved mirrors Tokens with relative path arguments expanded
	// lexically against the working directory.
	Resolved []string
	// Text is the resolved tokens rejoined.  Rules match against both Text
	// and RawText, so a pattern written against the literal command still
	// fires after path expansion.
	Text string
	// RawText is the wrapper-stripped tokens rejoined without path
	// resolution.
	RawText string
	// Subshell marks segments extracted from $(...) or backticks.
	Subshell bool
}

// wrappers that defer to an inner command.  The int is how many extra
// argument tokens each leading flag may consume.
var wrapperFlagArgs = map[string]map[string]int{
	"sudo":    {"-u": 1, "-g": 1, "-p": 1, "-h": 1, "-U": 1, "-C": 1},
	"doas":    {"-u": 1},
	"env":     {"-u": 1, "-C": 1, "-S": 1},
	"command": {},
	"builtin": {},
	"time":    {},
	"nice":    {"-n": 1},
	"ionice":  {"-c": 1, "-n": 1, "-p": 1},
	"nohup":   {},
}

// maxWrapperDepth bounds the stripping loop against pathological chains.
const maxWrapperDepth = 10

// Normalize canonicalizes raw against cwd, resolving ~ with $HOME.
func Normalize(raw, cwd string) *Normalized {
	return NormalizeWithHome(raw, cwd, os.Getenv("HOME"))
}

// NormalizeWithHome is Normalize with an explicit home directory, for
// deterministic use in tests and the daemon.
func NormalizeWithHome(raw, cwd, home string) *Normalized {
	n := &Normalized{Raw: raw, Cwd: cwd, ParseStatus: ParseOK}

	prepared, subshells := extractSubshells(raw)

	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false

	// Each top-level piece is tokenized on its own: the tokenizer stops at
	// control operators, so handing it the whole line would drop everything
	// after the first one.
	for _, piece := range splitTopLevel(prepared) {
		tokens, err := parser.Parse(piece)
		if err != nil {
			n.ParseStatus = ParseFallback
			n.Segments = append(n.Segments, fallbackSegment(piece, cwd, home))
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		n.Segments = append(n.Segments, buildSegment(tokens, cwd, home, false, n))
	}
	if len(n.Segments) == 0 {
		n.ParseStatus = ParseFallback
		n.Segments = append(n.Segments, fallbackSegment(raw, cwd, home))
	}

	// Command substitutions are classified as segments in their own right.
	for _, body := range subshells {
		sub := NormalizeWithHome(body, cwd, home)
		if sub.ParseStatus == ParseFallback {
			n.ParseStatus = ParseFallback
		}
		for _, seg := range sub.Segments {
			seg.Subshell = true
			n.Segments = append(n.Segments, seg)
		}
	}

	if len(n.Segments) > 0 {
		n.PrimaryTokens = n.Segments[0].Tokens
	}
	return n
}

func fallbackSegment(raw, cwd, home string) Segment {
	tokens := strings.Fields(raw)
	primary := ""
	if len(tokens) > 0 {
		primary = tokens[0]
	}
	resolved := resolvePaths(tokens, cwd, home)
	return Segment{
		Tokens:   tokens,
		Primary:  primary,
		Resolved: resolved,
		Text:     strings.Join(resolved, " "),
		RawText:  strings.Join(tokens, " "),
	}
}

func buildSegment(tokens []string, cwd, home string, subshell bool, n *Normalized) Segment {
	stripped := stripWrappers(tokens, n)
	primary := ""
	if len(stripped) > 0 {
		primary = stripped[0]
	}
	resolved := resolvePaths(stripped, cwd, home)
	return Segment{
		Tokens:   stripped,
		Primary:  primary,
		Resolved: resolved,
		Text:     strings.Join(resolved, " "),
		RawText:  strings.Join(stripped, " "),
		Subshell: subshell,
	}
}

// stripWrappers removes a bounded prefix chain of recognized wrappers,
// recording what was removed.
func stripWrappers(tokens []string, n *Normalized) []string {
	for depth := 0; depth < maxWrapperDepth && len(tokens) > 0; depth++ {
		flagArgs, ok := wrapperFlagArgs[tokens[0]]
		if !ok {
			return tokens
		}
		wrapper := tokens[0]
		rest := tokens[1:]

		// Consume the wrapper's own flags, plus env assignments for env.
		for len(rest) > 0 {
			tok := rest[0]
			if wrapper == "env" && strings.Contains(tok, "=") && !strings.HasPrefix(tok, "-") {
				rest = rest[1:]
				continue
			}
			if strings.HasPrefix(tok, "-") && tok != "-" && tok != "--" {
				skip := 1
				if extra, known := flagArgs[tok]; known {
					skip += extra
				}
				if skip > len(rest) {
					skip = len(rest)
				}
				rest = rest[skip:]
				continue
			}
			if tok == "--" {
				rest = rest[1:]
				continue
			}
			break
		}

		if n != nil {
			n.WrappersStripped = append(n.WrappersStripped, wrapper)
		}
		tokens = rest
	}
	return tokens
}

// resolvePaths expands relative and ~ path arguments lexically against cwd.
// Flag values in --flag=./path form are resolved in place.
func resolvePaths(tokens []string, cwd, home string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		if i == 0 {
			out[i] = tok
			continue
		}
		if eq := strings.Index(tok, "="); eq > 0 && strings.HasPrefix(tok, "-") {
			out[i] = tok[:eq+1] + resolveOne(tok[eq+1:], cwd, home)
			continue
		}
		out[i] = resolveOne(tok, cwd, home)
	}
	return out
}

func resolveOne(tok, cwd, home string) string {
	switch {
	case tok == "~" && home != "":
		return home
	case strings.HasPrefix(tok, "~/") && home != "":
		return path.Clean(home + tok[1:])
	case strings.HasPrefix(tok, "./") || strings.HasPrefix(tok, "../") || tok == "." || tok == "..":
		if cwd == "" {
			return tok
		}
		return path.Clean(path.Join(cwd, tok))
	default:
		return tok
	}
}

// splitTopLevel cuts s at top-level control operators (;, &&, ||, |, &) so
// every command in a compound line becomes its own piece.  Quote, escape,
// substitution, and backtick state is tracked: an operator inside quotes or
// inside $(...) is text, not a cut point.
func splitTopLevel(s string) []string {
	var pieces []string
	var b strings.Builder
	var inSingle, inDouble, escaped, inBacktick bool
	parenDepth := 0

	flush := func() {
		if piece := strings.TrimSpace(b.String()); piece != "" {
			pieces = append(pieces, piece)
		}
		b.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if !inSingle {
				escaped = true
			}
			b.WriteByte(c)
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
			b.WriteByte(c)
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
			b.WriteByte(c)
		case '`':
			if !inSingle {
				inBacktick = !inBacktick
			}
			b.WriteByte(c)
		case '$':
			if !inSingle && i+1 < len(s) && s[i+1] == '(' {
				parenDepth++
				b.WriteByte(c)
				b.WriteByte(s[i+1])
				i++
				continue
			}
			b.WriteByte(c)
		case ')':
			if parenDepth > 0 && !inSingle {
				parenDepth--
			}
			b.WriteByte(c)
		case ';', '|', '&':
			if inSingle || inDouble || inBacktick || parenDepth > 0 {
				b.WriteByte(c)
				continue
			}
			// && and || are one operator, not two cut points.
			if i+1 < len(s) && s[i+1] == c && (c == '&' || c == '|') {
				i++
			}
			flush()
		default:
			b.WriteByte(c)
		}
	}
	flush()
	return pieces
}

// extractSubshells pulls the bodies of $(...) and backtick substitutions out
// of s, returning s with the substitutions left in place (they stay part of
// the outer segment's text) and the extracted bodies.
func extractSubshells(s string) (string, []string) {
	var bodies []string
	var inSingle bool

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' {
			i++
			continue
		}
		if c == '\'' {
			inSingle = !inSingle
			continue
		}
		if inSingle {
			continue
		}
		if c == '$' && i+1 < len(s) && s[i+1] == '(' {
			depth := 1
			j := i + 2
			for ; j < len(s) && depth > 0; j++ {
				switch s[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
			}
			if depth == 0 {
				bodies = append(bodies, s[i+2:j-1])
				i = j - 1
			}
			continue
		}
		if c == '`' {
			if j := strings.IndexByte(s[i+1:], '`'); j >= 0 {
				bodies = append(bodies, s[i+1:i+1+j])
				i = i + 1 + j
			}
		}
	}
	return s, bodies
}
