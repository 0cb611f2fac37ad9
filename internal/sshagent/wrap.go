// Package sshagent builds command lines that run a job inside a transient
// ssh-agent holding the job's keys, and hands key material to that agent
// through named pipes instead of regular files.
package sshagent

import (
	"slices"
	"strings"
)

// Options tune the wrapped command line.
type Options struct {
	// AuthSock binds the agent to a fixed socket path (ssh-agent -a).
	AuthSock string
	// Silence discards ssh-add diagnostics.
	Silence bool
}

// Wrap returns argv rewritten to start a fresh ssh-agent, add every key to
// it, remove each key file right after it is added, and then exec argv in the
// agent's environment. With no keys argv is returned unchanged.
//
// Wrap performs no I/O.
func Wrap(argv []string, keys []string, opts Options) []string {
	if len(keys) == 0 {
		return slices.Clone(argv)
	}

	steps := make([]string, 0, 2*len(keys)+1)
	for _, key := range keys {
		add := "ssh-add " + Quote(key)
		if opts.Silence {
			add += " 2>/dev/null"
		}
		steps = append(steps, add, "rm -f "+Quote(key))
	}
	steps = append(steps, Join(argv))

	out := []string{"ssh-agent"}
	if opts.AuthSock != "" {
		out = append(out, "-a", opts.AuthSock)
	}
	return append(out, "sh", "-c", strings.Join(steps, " && "))
}

// Join renders argv as a single sh command line.
func Join(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Quote single-quotes s for sh when it contains anything but plain word
// characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("@%+=:,./_-", r)
}
