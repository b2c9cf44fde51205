package feishu

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Matches a markdown table: header row, separator row of dashes/colons,
// one or more data rows, each delimited by leading and trailing pipes.
var tableRe = regexp.MustCompile(
	`(?m)((?:^[ \t]*\|.+\|[ \t]*\n)(?:^[ \t]*\|[-:\s|]+\|[ \t]*\n)(?:^[ \t]*\|.+\|[ \t]*\n?)+)`,
)

// cardElement is one typed element of an interactive card document.
type cardElement map[string]any

func markdownElement(text string) cardElement {
	return cardElement{"tag": "markdown", "content": text}
}

func splitTableRow(line string) []string {
	cells := strings.Split(strings.Trim(strings.TrimSpace(line), "|"), "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

// parseTable converts a detected markdown table block into a table
// element. Columns are identified positionally (c0, c1, ...) with the
// header text as display label; short rows are padded with empty cells
// and extra cells beyond the header count are dropped. A block with
// fewer than 3 non-empty lines is not a valid table.
func parseTable(block string) (cardElement, bool) {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(block), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, strings.TrimSpace(l))
		}
	}
	if len(lines) < 3 {
		return nil, false
	}

	headers := splitTableRow(lines[0])
	columns := make([]cardElement, 0, len(headers))
	for i, h := range headers {
		columns = append(columns, cardElement{
			"tag":          "column",
			"name":         fmt.Sprintf("c%d", i),
			"display_name": h,
			"width":        "auto",
		})
	}

	rows := make([]map[string]string, 0, len(lines)-2)
	for _, l := range lines[2:] {
		cells := splitTableRow(l)
		row := make(map[string]string, len(headers))
		for i := range headers {
			if i < len(cells) {
				row[fmt.Sprintf("c%d", i)] = cells[i]
			} else {
				row[fmt.Sprintf("c%d", i)] = ""
			}
		}
		rows = append(rows, row)
	}

	return cardElement{
		"tag":       "table",
		"page_size": len(rows) + 1,
		"columns":   columns,
		"rows":      rows,
	}, true
}

// buildCardElements splits reply text into markdown and table elements,
// preserving reading order. With no tables the whole input is a single
// markdown element.
func buildCardElements(content string) []cardElement {
	var elements []cardElement
	lastEnd := 0
	for _, m := range tableRe.FindAllStringIndex(content, -1) {
		if before := strings.TrimSpace(content[lastEnd:m[0]]); before != "" {
			elements = append(elements, markdownElement(before))
		}
		block := content[m[0]:m[1]]
		if table, ok := parseTable(block); ok {
			elements = append(elements, table)
		} else {
			elements = append(elements, markdownElement(block))
		}
		lastEnd = m[1]
	}
	if remaining := strings.TrimSpace(content[lastEnd:]); remaining != "" {
		elements = append(elements, markdownElement(remaining))
	}
	if len(elements) == 0 {
		elements = append(elements, markdownElement(content))
	}
	return elements
}

// buildCard renders reply text as the serialized interactive card document.
func buildCard(content string) (string, error) {
	card := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": buildCardElements(content),
	}
	data, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("marshal card: %w", err)
	}
	return string(data), nil
}
