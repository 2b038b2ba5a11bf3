package canonical

// Options toggles the individual canonicalization steps. Steps run in a fixed
// order regardless of which are enabled.
type Options struct {
	LowercaseScheme               bool `mapstructure:"lowercase_scheme"`
	RemoveUserinfo                bool `mapstructure:"remove_userinfo"`
	LowercaseHost                 bool `mapstructure:"lowercase_host"`
	RemoveWWW                     bool `mapstructure:"remove_www"`
	DecodeNumericHost             bool `mapstructure:"decode_numeric_host_encodings"`
	RemoveDefaultPort             bool `mapstructure:"remove_default_port"`
	LowercasePath                 bool `mapstructure:"lowercase_path"`
	RemoveDotSegments             bool `mapstructure:"remove_dot_segments"`
	RemoveRepeatedSlashes         bool `mapstructure:"remove_repeated_slashes"`
	RemoveSessionIDsInPath        bool `mapstructure:"remove_session_ids_in_path"`
	RemoveTrailingSlashUnlessRoot bool `mapstructure:"remove_trailing_slash_unless_root"`
	RemoveTrackingParams          bool `mapstructure:"remove_tracking_params"`
	LowercaseQuery                bool `mapstructure:"lowercase_query"`
	SortQueryParams               bool `mapstructure:"sort_query_params"`
	RemoveEmptyQuery              bool `mapstructure:"remove_empty_query"`
	RemoveNonHashbangFragment     bool `mapstructure:"remove_non_hashbang_fragment"`
}

// DefaultOptions enables every step.
func DefaultOptions() Options {
	return Options{
		LowercaseScheme:               true,
		RemoveUserinfo:                true,
		LowercaseHost:                 true,
		RemoveWWW:                     true,
		DecodeNumericHost:             true,
		RemoveDefaultPort:             true,
		LowercasePath:                 true,
		RemoveDotSegments:             true,
		RemoveRepeatedSlashes:         true,
		RemoveSessionIDsInPath:        true,
		RemoveTrailingSlashUnlessRoot: true,
		RemoveTrackingParams:          true,
		LowercaseQuery:                true,
		SortQueryParams:               true,
		RemoveEmptyQuery:              true,
		RemoveNonHashbangFragment:     true,
	}
}

// Minimal performs only the lossless cleanups: scheme/host case, default port
// and dot segments. Useful for display URLs that must stay close to the input.
func Minimal() Options {
	return Options{
		LowercaseScheme:   true,
		LowercaseHost:     true,
		RemoveDefaultPort: true,
		RemoveDotSegments: true,
	}
}
