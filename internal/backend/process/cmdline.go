package process

// CmdBuilder constructs CLI argument slices using a fluent API.
type CmdBuilder struct {
	args []string
}

// Cmd starts building a command from a base command and arguments.
func Cmd(base ...string) *CmdBuilder {
	return &CmdBuilder{args: append([]string{}, base...)}
}

// Flag appends arbitrary flag parts to the command.
func (b *CmdBuilder) Flag(parts ...string) *CmdBuilder {
	b.args = append(b.args, parts...)
	return b
}

// FlagIf appends flag and value when value is non-empty.
func (b *CmdBuilder) FlagIf(flag, value string) *CmdBuilder {
	if value == "" {
		return b
	}
	b.args = append(b.args, flag, value)
	return b
}

// Repeat appends flag once per value, e.g. --allowedTools a --allowedTools b.
func (b *CmdBuilder) Repeat(flag string, values []string) *CmdBuilder {
	for _, v := range values {
		if v != "" {
			b.args = append(b.args, flag, v)
		}
	}
	return b
}

// Build returns the final argument slice.
func (b *CmdBuilder) Build() []string {
	return append([]string{}, b.args...)
}
