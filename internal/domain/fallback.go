package domain

// FallbackPrefix marks output produced locally when a station's external
// processor could not answer.
const FallbackPrefix = "[Processed] "

func FallbackOutput(input string) string {
	return FallbackPrefix + input
}
