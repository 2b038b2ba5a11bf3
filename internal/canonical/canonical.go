// Package canonical normalizes URLs into a single representative form and
// derives SURT keys from them.
//
// Canonicalization is deterministic and idempotent: feeding a canonical URL
// back in returns it unchanged. SURT keys reverse the host segments so that a
// lexicographic sort groups a domain, its subdomains and its paths together.
package canonical

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// ErrInvalidURL marks input that cannot be split into URI components.
var ErrInvalidURL = errors.New("invalid url")

// ParseError describes why an input could not be canonicalized. Callers treat
// it as a data-quality problem with the input record.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("canonicalize %q: %s", e.Input, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidURL.
func (e *ParseError) Unwrap() error {
	return ErrInvalidURL
}

var (
	wwwPrefix        = regexp.MustCompile(`^www\d*\.`)
	repeatedDots     = regexp.MustCompile(`\.{2,}`)
	repeatedSlashes  = regexp.MustCompile(`/{2,}`)
	aspSessionInPath = []*regexp.Regexp{
		regexp.MustCompile(`^(.*/)(\((?:[a-z]\([0-9a-z]{24}\))+\)/)([^?]+\.aspx.*)$`),
		regexp.MustCompile(`^(.*/)(\([0-9a-z]{24}\)/)([^?]+\.aspx.*)$`),
	}
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// components holds a URL split into the pieces canonicalization operates on.
type components struct {
	scheme      string
	userinfo    string
	hasUserinfo bool
	host        string
	ipv6        bool
	port        string
	path        string
	query       string
	hasQuery    bool
	fragment    string
	hasFragment bool
}

// Canonicalize returns the canonical form of raw. Inputs without a scheme are
// treated as http. Only http and https URLs are rewritten; other schemes pass
// through with at most their scheme lowercased.
func Canonicalize(raw string, opts Options) (string, error) {
	input := clean(raw)
	if input == "" {
		return "", &ParseError{Input: raw, Reason: "empty url"}
	}
	scheme, rest, ok := splitScheme(input)
	if !ok {
		scheme, rest = "http", "//"+input
	}
	if opts.LowercaseScheme {
		scheme = strings.ToLower(scheme)
	}
	if !isWebScheme(scheme) {
		return scheme + ":" + rest, nil
	}

	c, err := split(rest)
	if err != nil {
		return "", &ParseError{Input: raw, Reason: err.Error()}
	}
	c.scheme = scheme

	if opts.RemoveUserinfo {
		c.userinfo, c.hasUserinfo = "", false
	}
	if err := canonicalHost(&c, opts); err != nil {
		return "", &ParseError{Input: raw, Reason: err.Error()}
	}
	if err := canonicalPort(&c, opts); err != nil {
		return "", &ParseError{Input: raw, Reason: err.Error()}
	}
	c.path = canonicalPath(c.path, opts)
	canonicalQuery(&c, opts)
	if c.hasFragment && opts.RemoveNonHashbangFragment && !strings.HasPrefix(c.fragment, "!") {
		c.fragment, c.hasFragment = "", false
	}
	return c.String(), nil
}

// SURT canonicalizes raw and formats it as a SURT key, e.g.
// "com,example,www)/path?q". IPv6 literals are kept unreversed and without
// brackets. Non-web schemes return their canonical form unchanged.
func SURT(raw string, opts Options) (string, error) {
	canon, err := Canonicalize(raw, opts)
	if err != nil {
		return "", err
	}
	scheme, rest, ok := splitScheme(canon)
	if !ok || !isWebScheme(strings.ToLower(scheme)) {
		return canon, nil
	}
	c, err := split(rest)
	if err != nil {
		return "", &ParseError{Input: raw, Reason: err.Error()}
	}

	var b strings.Builder
	if c.ipv6 {
		b.WriteString(c.host)
	} else {
		segments := strings.Split(c.host, ".")
		for i := len(segments) - 1; i >= 0; i-- {
			b.WriteString(segments[i])
			if i > 0 {
				b.WriteByte(',')
			}
		}
	}
	if c.port != "" {
		b.WriteByte(':')
		b.WriteString(c.port)
	}
	if c.hasUserinfo {
		b.WriteByte('@')
		b.WriteString(c.userinfo)
	}
	b.WriteByte(')')
	b.WriteString(c.path)
	if c.hasQuery {
		b.WriteByte('?')
		b.WriteString(c.query)
	}
	if c.hasFragment {
		b.WriteByte('#')
		b.WriteString(c.fragment)
	}
	return b.String(), nil
}

// Hostname returns the host of a web URL after canonicalization, or "" when
// the URL is not a web URL.
func Hostname(raw string) string {
	canon, err := Canonicalize(raw, Minimal())
	if err != nil {
		return ""
	}
	scheme, rest, ok := splitScheme(canon)
	if !ok || !isWebScheme(strings.ToLower(scheme)) {
		return ""
	}
	c, err := split(rest)
	if err != nil {
		return ""
	}
	return c.host
}

// IsIP reports whether host is an IPv4 dotted quad or an IPv6 literal.
func IsIP(host string) bool {
	if strings.Contains(host, ":") {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func (c components) String() string {
	var b strings.Builder
	b.WriteString(c.scheme)
	b.WriteString("://")
	if c.hasUserinfo {
		b.WriteString(c.userinfo)
		b.WriteByte('@')
	}
	if c.ipv6 {
		b.WriteByte('[')
		b.WriteString(c.host)
		b.WriteByte(']')
	} else {
		b.WriteString(c.host)
	}
	if c.port != "" {
		b.WriteByte(':')
		b.WriteString(c.port)
	}
	b.WriteString(c.path)
	if c.hasQuery {
		b.WriteByte('?')
		b.WriteString(c.query)
	}
	if c.hasFragment {
		b.WriteByte('#')
		b.WriteString(c.fragment)
	}
	return b.String()
}

// clean strips surrounding whitespace and control characters and drops tabs
// and line breaks anywhere in the input.
func clean(raw string) string {
	trimmed := strings.TrimFunc(raw, func(r rune) bool {
		return r <= 0x20 || r == 0x7f || unicode.IsSpace(r)
	})
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\r', '\n':
			return -1
		}
		return r
	}, trimmed)
}

// splitScheme separates "scheme:rest". A "host:port" prefix is not a scheme.
func splitScheme(s string) (string, string, bool) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 {
		return "", s, false
	}
	scheme := s[:idx]
	for i, r := range scheme {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if i == 0 && !isAlpha {
			return "", s, false
		}
		if !isAlpha && !(r >= '0' && r <= '9') && r != '+' && r != '-' && r != '.' {
			return "", s, false
		}
	}
	rest := s[idx+1:]
	if rest != "" && rest[0] >= '0' && rest[0] <= '9' && !isWebScheme(strings.ToLower(scheme)) {
		return "", s, false
	}
	return scheme, rest, true
}

func isWebScheme(scheme string) bool {
	_, ok := defaultPorts[scheme]
	return ok
}

// split breaks the scheme-relative remainder of a web URL into components.
func split(rest string) (components, error) {
	var c components
	rest = strings.TrimLeft(rest, `/\`)

	end := strings.IndexAny(rest, `/\?#`)
	authority, tail := rest, ""
	if end >= 0 {
		authority, tail = rest[:end], rest[end:]
	}

	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		c.userinfo, c.hasUserinfo = authority[:at], true
		authority = authority[at+1:]
	}

	if strings.HasPrefix(authority, "[") {
		closing := strings.IndexByte(authority, ']')
		if closing < 0 {
			return c, errors.New("unterminated IPv6 literal")
		}
		c.host, c.ipv6 = authority[1:closing], true
		after := authority[closing+1:]
		if after != "" {
			if after[0] != ':' {
				return c, fmt.Errorf("unexpected %q after IPv6 literal", after)
			}
			c.port = after[1:]
		}
	} else if colon := strings.LastIndexByte(authority, ':'); colon >= 0 {
		c.host, c.port = authority[:colon], authority[colon+1:]
	} else {
		c.host = authority
	}
	if c.host == "" {
		return c, errors.New("missing host")
	}
	for _, r := range c.port {
		if r < '0' || r > '9' {
			return c, fmt.Errorf("invalid port %q", c.port)
		}
	}

	if hash := strings.IndexByte(tail, '#'); hash >= 0 {
		c.fragment, c.hasFragment = tail[hash+1:], true
		tail = tail[:hash]
	}
	if q := strings.IndexByte(tail, '?'); q >= 0 {
		c.query, c.hasQuery = tail[q+1:], true
		tail = tail[:q]
	}
	c.path = strings.ReplaceAll(tail, `\`, "/")
	return c, nil
}

func canonicalHost(c *components, opts Options) error {
	host := unescapeRepeatedly(c.host)
	if opts.LowercaseHost {
		host = lower(host)
	}
	if c.ipv6 {
		c.host = host
		return nil
	}
	if hasNonASCII(host) {
		if ascii, err := idna.Punycode.ToASCII(host); err == nil {
			host = ascii
		}
	}
	host = repeatedDots.ReplaceAllString(host, ".")
	host = strings.Trim(host, ".")
	if opts.RemoveWWW {
		if stripped := wwwPrefix.ReplaceAllString(host, ""); stripped != "" {
			host = stripped
		}
	}
	if opts.DecodeNumericHost {
		if ip, ok := parseIPv4(host); ok {
			host = ip
		}
	}
	if host == "" {
		return errors.New("missing host")
	}
	c.host = escape(host, hostReserved)
	return nil
}

func canonicalPort(c *components, opts Options) error {
	if c.port == "" {
		return nil
	}
	n, err := strconv.Atoi(c.port)
	if err != nil || n > 65535 {
		return fmt.Errorf("invalid port %q", c.port)
	}
	c.port = strconv.Itoa(n)
	if opts.RemoveDefaultPort && defaultPorts[c.scheme] == c.port {
		c.port = ""
	}
	return nil
}

func canonicalPath(path string, opts Options) string {
	path = unescapeRepeatedly(path)
	if opts.LowercasePath {
		path = lower(path)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if opts.RemoveSessionIDsInPath {
		for _, re := range aspSessionInPath {
			path = re.ReplaceAllString(path, "$1$3")
		}
	}
	if opts.RemoveDotSegments {
		path = removeDotSegments(path)
	}
	if opts.RemoveRepeatedSlashes {
		path = repeatedSlashes.ReplaceAllString(path, "/")
	}
	if opts.RemoveTrailingSlashUnlessRoot && len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return escape(path, pathReserved)
}

func canonicalQuery(c *components, opts Options) {
	if !c.hasQuery {
		return
	}
	params := strings.Split(c.query, "&")
	if opts.RemoveEmptyQuery {
		params = dropEmpty(params)
	}
	if opts.RemoveTrackingParams {
		params = removeTrackingParams(params)
	}
	for i, p := range params {
		p = escape(p, queryReserved)
		if opts.LowercaseQuery {
			p = lower(p)
		}
		params[i] = p
	}
	if opts.SortQueryParams {
		sort.Strings(params)
	}
	c.query = strings.Join(params, "&")
	if c.query == "" && opts.RemoveEmptyQuery {
		c.hasQuery = false
	}
}

func dropEmpty(params []string) []string {
	out := params[:0]
	for _, p := range params {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// removeDotSegments implements RFC 3986 section 5.2.4 on an absolute path.
func removeDotSegments(path string) string {
	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		last := i == len(segments)-1
		switch seg {
		case ".":
			if last {
				out = append(out, "")
			}
		case "..":
			if len(out) > 1 {
				out = out[:len(out)-1]
			}
			if last {
				out = append(out, "")
			}
		default:
			out = append(out, seg)
		}
	}
	joined := strings.Join(out, "/")
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

// parseIPv4 decodes dotted, dword, hex and octal IPv4 host forms into
// dotted decimal. It reports false when host is not purely numeric.
func parseIPv4(host string) (string, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return "", false
	}
	nums := make([]uint64, 0, len(parts))
	for _, p := range parts {
		n, ok := parseIPv4Number(p)
		if !ok {
			return "", false
		}
		nums = append(nums, n)
	}
	for _, n := range nums[:len(nums)-1] {
		if n > 255 {
			return "", false
		}
	}
	lastLimit := uint64(1) << (8 * (5 - len(nums)))
	if nums[len(nums)-1] >= lastLimit {
		return "", false
	}
	addr := nums[len(nums)-1]
	for i, n := range nums[:len(nums)-1] {
		addr += n << (8 * (3 - i))
	}
	return fmt.Sprintf("%d.%d.%d.%d", addr>>24&0xff, addr>>16&0xff, addr>>8&0xff, addr&0xff), true
}

func parseIPv4Number(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := 10
	switch {
	case len(p) >= 2 && (p[:2] == "0x" || p[:2] == "0X"):
		base, p = 16, p[2:]
		if p == "" {
			return 0, true
		}
	case len(p) >= 2 && p[0] == '0':
		base, p = 8, p[1:]
	}
	n, err := strconv.ParseUint(p, base, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func unescapeRepeatedly(s string) string {
	for {
		u := unescapeOnce(s)
		if u == s {
			return s
		}
		s = u
	}
}

// unescapeOnce decodes every valid %XX sequence and leaves stray '%' alone.
func unescapeOnce(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

type reservedSet func(byte) bool

func hostReserved(c byte) bool {
	switch c {
	case '%', '"', '<', '>', '\\', '^', '`', '{', '|', '}', '#', '?', '/', '@', ':':
		return true
	}
	return false
}

func pathReserved(c byte) bool {
	switch c {
	case '%', '"', '<', '>', '\\', '^', '`', '{', '|', '}', '#', '?':
		return true
	}
	return false
}

func queryReserved(c byte) bool {
	switch c {
	case '"', '<', '>', '#':
		return true
	}
	return false
}

// escape percent-encodes control, space, non-ASCII and reserved bytes with
// uppercase hex. Input is expected to be fully decoded so nothing is
// double-encoded.
func escape(s string, reserved reservedSet) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c >= 0x7f || reserved(c) {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// lower lowercases s, restricting itself to ASCII when s is not valid UTF-8
// so decoded binary bytes survive unchanged.
func lower(s string) string {
	if utf8.ValidString(s) {
		return strings.ToLower(s)
	}
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func hasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
