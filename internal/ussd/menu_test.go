package ussd

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengacapital/ussd-gobackend/internal/models"
)

func testNodes() []models.CampaignNode {
	return []models.CampaignNode{
		{ID: "b", CampaignID: "c1", ParentID: "", Label: "Phones", Prompt: "Choose a phone", SortOrder: 2},
		{ID: "a", CampaignID: "c1", ParentID: "", Label: "Laptops", Prompt: "Choose a laptop", SortOrder: 1},
		{ID: "a2", CampaignID: "c1", ParentID: "a", Label: "Lenovo ThinkPad", ActionType: models.ActionBid, ActionPayload: `{"amount": 30000}`, SortOrder: 2},
		{ID: "a1", CampaignID: "c1", ParentID: "a", Label: "HP EliteBook", ActionType: models.ActionBid, ActionPayload: `{"amount": 25000}`, SortOrder: 1},
		{ID: "b1", CampaignID: "c1", ParentID: "b", Label: "Samsung A14", ActionType: models.ActionBid, ActionPayload: `{"amount": "15000"}`, SortOrder: 1},
	}
}

func TestBuildTreeSiblingOrder(t *testing.T) {
	tree, err := BuildTree(testNodes())
	require.NoError(t, err)

	root := tree.Children("")
	require.Len(t, root, 2)
	assert.Equal(t, "a", root[0].ID)
	assert.Equal(t, "b", root[1].ID)

	// Equal sortOrder falls back to id order.
	tied, err := BuildTree([]models.CampaignNode{
		{ID: "z", ParentID: "", Label: "Z", SortOrder: 1},
		{ID: "m", ParentID: "", Label: "M", SortOrder: 1},
	})
	require.NoError(t, err)
	got := tied.Children("")
	assert.Equal(t, "m", got[0].ID)
	assert.Equal(t, "z", got[1].ID)
}

func TestBuildTreeRejectsCycle(t *testing.T) {
	_, err := BuildTree([]models.CampaignNode{
		{ID: "x", ParentID: "y", Label: "X"},
		{ID: "y", ParentID: "x", Label: "Y"},
	})
	assert.Error(t, err)
}

func TestWalk(t *testing.T) {
	tree, err := BuildTree(testNodes())
	require.NoError(t, err)

	t.Run("empty keys stays at root", func(t *testing.T) {
		res := tree.Walk(nil)
		assert.Nil(t, res.Node)
		assert.False(t, res.Invalid)
		assert.Len(t, res.Children, 2)
	})

	t.Run("descends by 1-based position", func(t *testing.T) {
		res := tree.Walk([]string{"1", "2"})
		require.NotNil(t, res.Node)
		assert.Equal(t, "a2", res.Node.ID)
		assert.False(t, res.Invalid)
		assert.Empty(t, res.Children)
	})

	t.Run("invalid keystroke re-shows current level", func(t *testing.T) {
		res := tree.Walk([]string{"1", "9"})
		require.NotNil(t, res.Node)
		assert.Equal(t, "a", res.Node.ID)
		assert.True(t, res.Invalid)
		// Children describe the same level a valid walk to "a" shows.
		valid := tree.Walk([]string{"1"})
		assert.Equal(t, valid.Children, res.Children)
	})

	t.Run("zero and non-numeric are invalid", func(t *testing.T) {
		assert.True(t, tree.Walk([]string{"0"}).Invalid)
		assert.True(t, tree.Walk([]string{"x"}).Invalid)
	})
}

func TestBidAmount(t *testing.T) {
	got, ok := BidAmount(`{"amount": 25000}`)
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.NewFromInt(25000)))

	got, ok = BidAmount(`{"amount": "15000.50"}`)
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.RequireFromString("15000.50")))

	_, ok = BidAmount("")
	assert.False(t, ok)
	_, ok = BidAmount(`{"amount": null}`)
	assert.False(t, ok)
	_, ok = BidAmount(`not json`)
	assert.False(t, ok)
	_, ok = BidAmount(`{"other": 1}`)
	assert.False(t, ok)
}

func TestRenderMenu(t *testing.T) {
	tree, err := BuildTree(testNodes())
	require.NoError(t, err)

	menu := RenderMenu("Choose a laptop", tree.Children("a"))
	assert.Equal(t, "Choose a laptop\n1. HP EliteBook-KES 25,000\n2. Lenovo ThinkPad-KES 30,000", menu)

	// No options: prompt only, trimmed.
	assert.Equal(t, "Thank you.", RenderMenu("Thank you.\n", nil))
}

func TestFormatKES(t *testing.T) {
	assert.Equal(t, "999", FormatKES(decimal.NewFromInt(999)))
	assert.Equal(t, "25,000", FormatKES(decimal.NewFromInt(25000)))
	assert.Equal(t, "1,234,567", FormatKES(decimal.NewFromInt(1234567)))
	assert.Equal(t, "30", FormatKES(decimal.RequireFromString("30.00")))
	assert.Equal(t, "-1,500", FormatKES(decimal.NewFromInt(-1500)))
}
