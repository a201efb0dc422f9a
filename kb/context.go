package kb

import (
	"fmt"
	"strings"
)

// BuildContext renders accepted nodes as numbered source blocks for prompt
// assembly, grounded on the teacher's rag/middleware.go BuildContext and
// extended to carry a file-name label per block the way
// knowledge_handler.py's "### 来源 N - file:\n> content" blocks do.
func BuildContext(nodes []ScoredNode) string {
	if len(nodes) == 0 {
		return ""
	}
	var b strings.Builder
	for i, n := range nodes {
		name, _ := n.Node.Metadata["file_name"].(string)
		if name == "" {
			name = n.Node.ID
		}
		fmt.Fprintf(&b, "### 来源 %d - %s:\n> %s\n\n", i+1, name, n.Node.Text)
	}
	return b.String()
}
