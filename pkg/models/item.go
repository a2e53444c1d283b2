package models

// ItemType is the kind of a test item. Features are reported as STORY,
// scenarios as SCENARIO.
type ItemType string

const (
	ItemTypeSuite         ItemType = "SUITE"
	ItemTypeStory         ItemType = "STORY"
	ItemTypeTest          ItemType = "TEST"
	ItemTypeScenario      ItemType = "SCENARIO"
	ItemTypeStep          ItemType = "STEP"
	ItemTypeBeforeClass   ItemType = "BEFORE_CLASS"
	ItemTypeBeforeGroups  ItemType = "BEFORE_GROUPS"
	ItemTypeBeforeMethod  ItemType = "BEFORE_METHOD"
	ItemTypeBeforeSuite   ItemType = "BEFORE_SUITE"
	ItemTypeBeforeTest    ItemType = "BEFORE_TEST"
	ItemTypeAfterClass    ItemType = "AFTER_CLASS"
	ItemTypeAfterGroups   ItemType = "AFTER_GROUPS"
	ItemTypeAfterMethod   ItemType = "AFTER_METHOD"
	ItemTypeAfterSuite    ItemType = "AFTER_SUITE"
	ItemTypeAfterTest     ItemType = "AFTER_TEST"
)

// StartItemRQ starts a root or child test item
type StartItemRQ struct {
	UUID        string      `json:"uuid,omitempty"`
	LaunchUUID  string      `json:"launchUuid"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	StartTime   string      `json:"startTime"`
	Type        ItemType    `json:"type"`
	Attributes  []Attribute `json:"attributes,omitempty"`
	HasStats    *bool       `json:"hasStats,omitempty"`
}
