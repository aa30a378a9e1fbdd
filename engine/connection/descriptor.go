package connection

import (
	"fmt"
	"maps"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"dario.cat/mergo"
)

const (
	redactedValue = "***"

	optionEnableArithAbort    = "enableArithAbort"
	keyEncrypt                = "encrypt"
	keyTrustServerCertificate = "trustservercertificate"
	keyServer                 = "server"
	keyDatabase               = "database"
	keyPassword               = "password"
	keyPort                   = "port"

	pairSep     = ";"
	keyValueSep = "="
	tcpPrefix   = "tcp:"
	instanceSep = `\`
	portSep     = ","
)

// keywordRule rewrites a family of connection string keyword synonyms to
// their canonical spelling. Rules match only in key position.
type keywordRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var keywordRules = []keywordRule{
	{regexp.MustCompile(`(?i)(^|;)\s*(?:user\s*id|userid|uid|user)\s*=`), "${1}User Id="},
	{regexp.MustCompile(`(?i)(^|;)\s*(?:pwd|pass)\s*=`), "${1}Password="},
	{regexp.MustCompile(`(?i)(^|;)\s*(?:data\s*source|datasource)\s*=`), "${1}Server="},
	{regexp.MustCompile(`(?i)(^|;)\s*initial\s*catalog\s*=`), "${1}Database="},
}

var ipv4Pattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

// Descriptor is the effective, fully defaulted connection target handed to
// the driver.
type Descriptor struct {
	DSN                    string
	Server                 string
	Port                   int
	Database               string
	Encrypt                bool
	TrustServerCertificate bool
	Options                map[string]any
	FromConnectionString   bool
}

// NormalizeConnectionString rewrites keyword synonyms to canonical form.
func NormalizeConnectionString(connStr string) string {
	normalized := connStr
	for _, rule := range keywordRules {
		normalized = rule.pattern.ReplaceAllString(normalized, rule.replacement)
	}
	return normalized
}

// IsIPv4Target reports whether a server value names a literal IPv4 address.
// A tcp: prefix, a ,port suffix and a \instance suffix are ignored.
func IsIPv4Target(server string) bool {
	host := strings.TrimSpace(server)
	if len(host) >= len(tcpPrefix) &&
		strings.EqualFold(host[:len(tcpPrefix)], tcpPrefix) {
		host = host[len(tcpPrefix):]
	}
	if i := strings.Index(host, portSep); i >= 0 {
		host = host[:i]
	}
	if i := strings.Index(host, instanceSep); i >= 0 {
		host = host[:i]
	}
	return ipv4Pattern.MatchString(strings.TrimSpace(host))
}

// BuildDescriptor applies the normalization and defaulting policy to cfg.
func BuildDescriptor(cfg *Config) (Descriptor, error) {
	if err := cfg.Validate(); err != nil {
		return Descriptor{}, err
	}
	if cfg.UsesConnectionString() {
		return buildFromConnectionString(cfg.ConnectionString)
	}
	return buildFromFields(cfg)
}

func buildFromConnectionString(raw string) (Descriptor, error) {
	connStr := NormalizeConnectionString(strings.TrimSpace(raw))
	if !strings.HasSuffix(connStr, pairSep) {
		connStr += pairSep
	}
	pairs := parseConnectionString(connStr)
	server := pairs[keyServer]
	if _, ok := pairs[keyEncrypt]; !ok {
		connStr += fmt.Sprintf("Encrypt=%t;", !IsIPv4Target(server))
	}
	if _, ok := pairs[keyTrustServerCertificate]; !ok {
		connStr += "TrustServerCertificate=true;"
	}
	pairs = parseConnectionString(connStr)
	encrypt, err := parseBoolValue(pairs[keyEncrypt])
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: Encrypt: %w", ErrConfigValidation, err)
	}
	trust, err := parseBoolValue(pairs[keyTrustServerCertificate])
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: TrustServerCertificate: %w", ErrConfigValidation, err)
	}
	port := 0
	if i := strings.Index(server, portSep); i >= 0 {
		if p, err := strconv.Atoi(strings.TrimSpace(server[i+1:])); err == nil {
			port = p
		}
	}
	if p, err := strconv.Atoi(pairs[keyPort]); err == nil {
		port = p
	}
	return Descriptor{
		DSN:                    connStr,
		Server:                 server,
		Port:                   port,
		Database:               pairs[keyDatabase],
		Encrypt:                encrypt,
		TrustServerCertificate: trust,
		FromConnectionString:   true,
	}, nil
}

func buildFromFields(cfg *Config) (Descriptor, error) {
	options := map[string]any{optionEnableArithAbort: true}
	if len(cfg.Options) > 0 {
		if err := mergo.Merge(&options, maps.Clone(cfg.Options), mergo.WithOverride); err != nil {
			return Descriptor{}, fmt.Errorf("%w: options: %w", ErrConfigValidation, err)
		}
	}
	encrypt := !IsIPv4Target(cfg.Server)
	if cfg.Encrypt != nil {
		encrypt = *cfg.Encrypt
	}
	trust := true
	if cfg.TrustServerCertificate != nil {
		trust = *cfg.TrustServerCertificate
	}
	// Extra options are applied last, so they may carry encrypt and
	// trustServerCertificate as well.
	for key, value := range options {
		switch strings.ToLower(key) {
		case keyEncrypt:
			v, err := toBool(value)
			if err != nil {
				return Descriptor{}, fmt.Errorf("%w: options.%s: %w", ErrConfigValidation, key, err)
			}
			encrypt = v
			delete(options, key)
		case keyTrustServerCertificate:
			v, err := toBool(value)
			if err != nil {
				return Descriptor{}, fmt.Errorf("%w: options.%s: %w", ErrConfigValidation, key, err)
			}
			trust = v
			delete(options, key)
		}
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	desc := Descriptor{
		Server:                 cfg.Server,
		Port:                   port,
		Database:               cfg.Database,
		Encrypt:                encrypt,
		TrustServerCertificate: trust,
		Options:                options,
	}
	desc.DSN = structuredDSN(cfg, &desc)
	return desc, nil
}

func structuredDSN(cfg *Config, desc *Descriptor) string {
	host, instance, _ := strings.Cut(strings.TrimSpace(cfg.Server), instanceSep)
	query := url.Values{}
	query.Set("database", cfg.Database)
	query.Set("encrypt", strconv.FormatBool(desc.Encrypt))
	query.Set("TrustServerCertificate", strconv.FormatBool(desc.TrustServerCertificate))
	keys := make([]string, 0, len(desc.Options))
	for key := range desc.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		query.Set(key, fmt.Sprint(desc.Options[key]))
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(desc.Port)),
		RawQuery: query.Encode(),
	}
	if instance != "" {
		u.Path = "/" + instance
	}
	return u.String()
}

// parseConnectionString splits key=value pairs; keys are lower-cased and the
// last occurrence wins.
func parseConnectionString(connStr string) map[string]string {
	pairs := make(map[string]string)
	for part := range strings.SplitSeq(connStr, pairSep) {
		key, value, ok := strings.Cut(part, keyValueSep)
		if !ok {
			continue
		}
		key = strings.ToLower(strings.Join(strings.Fields(key), " "))
		if key == "" {
			continue
		}
		pairs[key] = strings.TrimSpace(value)
	}
	return pairs
}

func parseBoolValue(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "t", "yes", "1", "strict", "mandatory":
		return true, nil
	case "false", "f", "no", "0", "disable", "optional":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", raw)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return parseBoolValue(b)
	default:
		return false, fmt.Errorf("invalid boolean value %v", v)
	}
}

func redactConnectionString(connStr string) string {
	parts := strings.Split(NormalizeConnectionString(connStr), pairSep)
	for i, part := range parts {
		key, _, ok := strings.Cut(part, keyValueSep)
		if ok && strings.EqualFold(strings.TrimSpace(key), keyPassword) {
			parts[i] = strings.TrimSpace(key) + keyValueSep + redactedValue
		}
	}
	return strings.Join(parts, pairSep)
}
