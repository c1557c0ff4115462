package ussd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jengacapital/ussd-gobackend/internal/models"
)

// Tree is a per-request index of a campaign's nodes by parent. It is
// rebuilt from the flat node list on every request; nothing is cached
// across requests.
type Tree struct {
	children map[string][]models.CampaignNode
}

// BuildTree indexes nodes into sorted sibling groups. Sibling order is
// (sortOrder asc, id asc). A node whose parent chain loops back on
// itself makes the whole campaign unusable, so indexing rejects cycles.
func BuildTree(nodes []models.CampaignNode) (*Tree, error) {
	byID := make(map[string]models.CampaignNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	for _, n := range nodes {
		seen := map[string]bool{n.ID: true}
		cur := n
		for cur.ParentID != "" {
			if seen[cur.ParentID] {
				return nil, fmt.Errorf("campaign node %s is part of a parent cycle", n.ID)
			}
			parent, ok := byID[cur.ParentID]
			if !ok {
				break
			}
			seen[parent.ID] = true
			cur = parent
		}
	}

	t := &Tree{children: make(map[string][]models.CampaignNode)}
	for _, n := range nodes {
		t.children[n.ParentID] = append(t.children[n.ParentID], n)
	}
	for parent := range t.children {
		group := t.children[parent]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].SortOrder != group[j].SortOrder {
				return group[i].SortOrder < group[j].SortOrder
			}
			return group[i].ID < group[j].ID
		})
	}
	return t, nil
}

// Children returns the ordered active siblings under parentID ("" for
// the root level).
func (t *Tree) Children(parentID string) []models.CampaignNode {
	return t.children[parentID]
}

// WalkResult is the outcome of resolving a keystroke sequence. Node is
// the deepest node reached (nil while still at the root) and Children
// is the next menu level under it. Invalid is set when a keystroke was
// not a usable 1-based selection; Node and Children then describe the
// menu level the walk stopped at, so the caller can re-show it.
type WalkResult struct {
	Node     *models.CampaignNode
	Children []models.CampaignNode
	Invalid  bool
}

// Walk resolves ordered keystrokes against the tree, starting at the
// root. Each keystroke must be a number in [1, len(siblings)].
func (t *Tree) Walk(keys []string) WalkResult {
	var current *models.CampaignNode
	parentID := ""

	for _, key := range keys {
		siblings := t.Children(parentID)
		if !IsNumeric(key) {
			return WalkResult{Node: current, Children: siblings, Invalid: true}
		}
		n, err := strconv.Atoi(key)
		if err != nil || n < 1 || n > len(siblings) {
			return WalkResult{Node: current, Children: siblings, Invalid: true}
		}
		node := siblings[n-1]
		current = &node
		parentID = node.ID
	}

	return WalkResult{Node: current, Children: t.Children(parentID)}
}

// BidAmount extracts the amount from a bid node's opaque payload. The
// second return is false when the payload carries no usable amount.
func BidAmount(payload string) (decimal.Decimal, bool) {
	if payload == "" {
		return decimal.Zero, false
	}
	var doc struct {
		Amount any `json:"amount"`
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return decimal.Zero, false
	}

	var raw string
	switch v := doc.Amount.(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = v
	default:
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// RenderMenu builds the body of a menu screen: the prompt followed by
// numbered option lines. Bid options with a positive payload amount get
// a "-KES 25,000" suffix.
func RenderMenu(prompt string, children []models.CampaignNode) string {
	var lines []string
	for i, node := range children {
		line := fmt.Sprintf("%d. %s", i+1, node.Label)
		if node.ActionType == models.ActionBid && node.ActionPayload != "" {
			if amount, ok := BidAmount(node.ActionPayload); ok && amount.IsPositive() {
				line += "-KES " + FormatKES(amount)
			}
		}
		lines = append(lines, line)
	}

	menu := strings.TrimSpace(prompt)
	if len(lines) > 0 {
		menu = strings.TrimSpace(menu + "\n" + strings.Join(lines, "\n"))
	}
	return menu
}

// FormatKES renders an amount as a whole number with comma thousands
// separators, the way the menus display currency.
func FormatKES(amount decimal.Decimal) string {
	digits := amount.Round(0).BigInt().String()
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	out := b.String()
	if neg {
		out = "-" + out
	}
	return out
}
