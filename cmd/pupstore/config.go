package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	pupstore "github.com/getpup/pupstore/pkg"
)

// mustParseConfig parses the combination of an optional INI file, environment
// bindings and explicit flags. An INI file named configName is searched for in
// the current directory, then in ~/.config/pupstore.
func mustParseConfig(parser *flags.Parser, configName string) {
	// Allow unknown options while parsing an INI file.
	origOptions := parser.Options
	parser.Options |= flags.IgnoreUnknown

	iniParser := flags.NewIniParser(parser)
	prefixes := []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "pupstore"),
	}
	for _, prefix := range prefixes {
		path := filepath.Join(prefix, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	mustParseArgs(parser)
}

func mustParseArgs(parser *flags.Parser) {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		flagErr, ok := err.(*flags.Error)
		if !ok {
			must(err, "command failed")
		}

		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
			// A problem in the configuration struct itself.
			panic(err)

		case flags.ErrCommandRequired:
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
			fmt.Fprintf(os.Stderr, "\npupstore %s\n", pupstore.Version())
			os.Exit(1)

		case flags.ErrHelp:
			if parser.Options&flags.PrintErrors == 0 {
				parser.WriteHelp(os.Stderr)
			}
			os.Exit(0)

		default:
			// go-flags has already printed the input error.
			os.Exit(1)
		}
	}
}

// addPrintConfigCmd registers "print-config", which writes the combined
// configuration in INI format.
func addPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	ini := flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}

// must logs err and exits when err is non-nil. extra holds field key/value pairs.
func must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	fields := log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		fields[fmt.Sprint(extra[i])] = extra[i+1]
	}
	log.WithFields(fields).Fatal(msg)
}
