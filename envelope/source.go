package envelope

// Source records which transport handed us an envelope.
type Source uint8

const (
	SourceUnknown Source = iota
	SourceWebsocketIdentified
	SourceWebsocketUnidentified
	SourceRest
	SourceIdentityChangeError
	SourceDebugUI
	SourceTests
	SourceRedisStream
	SourceLegacyJob
)

var sourceNames = map[Source]string{
	SourceUnknown:               "unknown",
	SourceWebsocketIdentified:   "websocket-identified",
	SourceWebsocketUnidentified: "websocket-unidentified",
	SourceRest:                  "rest",
	SourceIdentityChangeError:   "identity-change-error",
	SourceDebugUI:               "debug-ui",
	SourceTests:                 "tests",
	SourceRedisStream:           "redis-stream",
	SourceLegacyJob:             "legacy-job",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return sourceNames[SourceUnknown]
}

// ParseSource maps a transport supplied name back to a Source, falling back to SourceUnknown.
func ParseSource(name string) Source {
	for s, n := range sourceNames {
		if n == name {
			return s
		}
	}
	return SourceUnknown
}
