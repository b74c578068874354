package messaging

// Topic suffixes. Each is appended to the configured prefix.
const (
	TopicShares   = "shares"   // every share verdict, keyed by pool id
	TopicBlocks   = "blocks"   // new chain tips, keyed by block hash
	TopicSwitches = "switches" // current pool changes
)

// Topic joins prefix and suffix with a dot.
func Topic(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
