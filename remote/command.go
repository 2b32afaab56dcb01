package remote

import (
	"fmt"
	"sort"
	"strings"
)

// Command is a structured descriptor for a remote invocation. Backends build
// descriptors; the text a host actually runs is produced here and nowhere
// else, so callers stay decoupled from external-tool syntax.
type Command struct {
	// Dir is the remote working directory to change into first.
	Dir string
	// Env is exported before the tool runs.
	Env map[string]string
	// Sudo runs the tool under sudo, with Env passed through on the sudo
	// command line.
	Sudo bool
	// Tool and Args form the invocation itself.
	Tool string
	Args []string
	// TeeLog pipes combined output into this file on the remote host in
	// addition to the channel.
	TeeLog string
	// PowerShell serializes for a Windows host: statements are chained
	// with ";", env is set via $Env:, and TeeLog uses Tee-Object.
	PowerShell bool
}

// String serializes the descriptor into the shell text sent over the
// session.
func (c Command) String() string {
	if c.PowerShell {
		return c.powershell()
	}
	parts := []string{}
	if c.Dir != "" {
		parts = append(parts, fmt.Sprintf("cd %s", c.Dir))
	}

	invocation := []string{}
	if c.Sudo {
		invocation = append(invocation, "sudo")
		invocation = append(invocation, c.sortedEnv()...)
	} else {
		for _, kv := range c.sortedEnv() {
			parts = append(parts, fmt.Sprintf("export %s", kv))
		}
	}
	invocation = append(invocation, c.Tool)
	invocation = append(invocation, c.Args...)

	cmd := strings.Join(invocation, " ")
	if c.TeeLog != "" {
		cmd = fmt.Sprintf("%s 2>&1 | tee ./%s", cmd, c.TeeLog)
	}
	parts = append(parts, cmd)

	return strings.Join(parts, " && ")
}

func (c Command) powershell() string {
	parts := []string{}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("$Env:%s = '%s'", k, c.Env[k]))
	}
	if c.Dir != "" {
		parts = append(parts, fmt.Sprintf("cd %s", c.Dir))
	}

	invocation := append([]string{c.Tool}, c.Args...)
	cmd := strings.Join(invocation, " ")
	if c.TeeLog != "" {
		cmd = fmt.Sprintf("%s | Tee-Object -file %s", cmd, c.TeeLog)
	}
	parts = append(parts, cmd)

	return strings.Join(parts, " ; ")
}

func (c Command) sortedEnv() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]string, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, fmt.Sprintf("%s='%s'", k, c.Env[k]))
	}
	return kvs
}
