package domain

// RiskLevel grades how dangerous a prospective tool call is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskOrder defines the ordering low < medium < high < critical.
var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid reports whether the level is one of the known risk levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskOrder[r]
	return ok
}

// Index returns the ordinal position of the level (0=low). Unknown levels
// rank above critical so that comparisons against them fail closed.
func (r RiskLevel) Index() int {
	if i, ok := riskOrder[r]; ok {
		return i
	}
	return len(riskOrder)
}

// AtMost reports whether r is less than or equal to ceiling.
func (r RiskLevel) AtMost(ceiling RiskLevel) bool {
	return r.Index() <= ceiling.Index()
}

// OperationCategory classifies what kind of side effect a tool call has.
type OperationCategory string

const (
	CategoryFileRead       OperationCategory = "file-read"
	CategoryFileWrite      OperationCategory = "file-write"
	CategoryFileDelete     OperationCategory = "file-delete"
	CategoryCommandExecute OperationCategory = "command-execute"
	CategoryAPICall        OperationCategory = "api-call"
	CategoryDataModify     OperationCategory = "data-modify"
	CategorySystemConfig   OperationCategory = "system-config"
)

// RiskClassification is the two-axis classification of a prospective action.
// Derived from the classification table; never persisted on its own.
type RiskClassification struct {
	Category OperationCategory `json:"category"`
	Level    RiskLevel         `json:"level"`
}
