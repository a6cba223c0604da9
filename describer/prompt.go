package describer

import (
	"fmt"
	"strings"
)

// DescribePrompt is the user turn sent alongside an image.
const DescribePrompt = "Please describe this image in detail."

// SummaryPrompt builds the user turn for summarization, numbering each
// description in input order.
func SummaryPrompt(descriptions []string) string {
	var sb strings.Builder
	sb.WriteString("Please create a comprehensive summary of these image descriptions:\n\n")
	for i, d := range descriptions {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Image %d: %s", i+1, d)
	}
	return sb.String()
}
