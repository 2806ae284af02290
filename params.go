package main

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/spf13/cobra"

	"github.com/openhealth/conformance-harness/config"
	"github.com/openhealth/conformance-harness/framework"
)

type commandParams struct {
	configPath string
	dsn        string
	serverURL  string
	session    string
	port       int
	host       string
	filters    framework.RegexFilters
	policy     string
	debug      bool
	debugAll   bool
}

func (c *commandParams) addPersistentFlags(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&c.configPath, "config", "", "harness configuration file (YAML)")
	fs.StringVar(&c.dsn, "dsn", "", "PostgreSQL connection string; runs are kept in memory if empty")
	fs.StringVar(&c.session, "session", "", "session ID")
}

func (c *commandParams) addRunFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&c.serverURL, "url", "", "base URL of the FHIR server under test")
	fs.StringVar(&c.host, "host", "", "external hostname of the callback listener")
	fs.IntVar(&c.port, "port", 0, "port that the callback listener will listen on")
	fs.Var(&c.filters.MustMatch, "run", "regex pattern(s) to select checks to run")
	fs.Var(&c.filters.MustNotMatch, "skip", "regex pattern(s) to select checks not to run")
	fs.StringVar(&c.policy, "conflict-policy", "", `what to do with a run already waiting in the session: "cancel" or "queue"`)
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging for failed checks")
	fs.BoolVar(&c.debugAll, "debug-all", false, "enable debug logging for all checks")
}

// loadConfig reads the configuration file, if any, and applies command line overrides.
func (c *commandParams) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(c.configPath); err != nil {
			return nil, err
		}
	}
	if c.dsn != "" {
		cfg.DSN = c.dsn
	}
	if c.serverURL != "" {
		cfg.Server.URL = c.serverURL
	}
	if c.session != "" {
		cfg.Session = c.session
	}
	if c.host != "" {
		cfg.Callback.Host = c.host
	}
	if c.port != 0 {
		cfg.Callback.Port = c.port
	}
	if c.policy != "" {
		cfg.Policy = c.policy
	}
	return cfg, cfg.Validate()
}

// reproduceCommand is a command line that runs a single check again with the same settings.
func (c *commandParams) reproduceCommand(sequence, checkID string) string {
	var b commandBuilder
	b.add(os.Args[0])
	if c.configPath != "" {
		b.add("--config", c.configPath)
	}
	b.add("run")
	if c.serverURL != "" {
		b.add("--url", c.serverURL)
	}
	if c.session != "" {
		b.add("--session", c.session)
	}
	if c.port != 0 {
		b.add("--port", strconv.Itoa(c.port))
	}
	b.add("--run", "^"+regexp.QuoteMeta(sequence+"/"+checkID)+"$", "--debug", sequence)
	return b.String()
}

type commandBuilder []string

func (b *commandBuilder) add(args ...string) {
	for _, a := range args {
		*b = append(*b, shellescape.Quote(a))
	}
}

func (b commandBuilder) String() string {
	return strings.Join(b, " ")
}
