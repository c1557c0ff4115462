package models

import (
	"time"
)

// Campaign is a USSD menu campaign. At most one campaign is active at a
// time; the active one supplies the root prompt, the bid fee band and
// the fee prompt template shown on END.
type Campaign struct {
	ID           string    `bson:"_id,omitempty" json:"id"`
	Name         string    `bson:"name" json:"name"`
	MenuTitle    string    `bson:"menu_title" json:"menuTitle"`
	RootPrompt   string    `bson:"root_prompt" json:"rootPrompt"`
	BidFeeMin    float64   `bson:"bid_fee_min" json:"bidFeeMin"`
	BidFeeMax    float64   `bson:"bid_fee_max" json:"bidFeeMax"`
	BidFeePrompt string    `bson:"bid_fee_prompt" json:"bidFeePrompt"`
	IsActive     bool      `bson:"is_active" json:"isActive"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
}

// Node action types.
const (
	ActionNone = ""
	ActionBid  = "bid"
)

// CampaignNode is one entry of a campaign's menu tree. Nodes form a
// forest rooted at ParentID == "" and are ordered among siblings by
// (SortOrder asc, ID asc). ActionPayload is an opaque JSON document;
// for bid nodes it carries {"amount": ...}.
type CampaignNode struct {
	ID            string    `bson:"_id,omitempty" json:"id"`
	CampaignID    string    `bson:"campaign_id" json:"campaignId"`
	ParentID      string    `bson:"parent_id,omitempty" json:"parentId,omitempty"`
	Label         string    `bson:"label" json:"label"`
	Prompt        string    `bson:"prompt,omitempty" json:"prompt,omitempty"`
	ActionType    string    `bson:"action_type,omitempty" json:"actionType,omitempty"`
	ActionPayload string    `bson:"action_payload,omitempty" json:"actionPayload,omitempty"`
	SortOrder     int       `bson:"sort_order" json:"sortOrder"`
	IsActive      bool      `bson:"is_active" json:"isActive"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
}
