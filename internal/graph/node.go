package graph

// NodeID identifies a node within one journey definition.
type NodeID string

// ExitNodeID is the sentinel identifier every definition's exit node uses.
// Child references may point at it without the exit node appearing in the
// body node list.
const ExitNodeID NodeID = "__exit__"

// NodeType discriminates the node tagged union.
type NodeType string

const (
	NodeTypeSegmentEntry NodeType = "SegmentEntryNode"
	NodeTypeEventEntry   NodeType = "EventEntryNode"
	NodeTypeDelay        NodeType = "DelayNode"
	NodeTypeWaitFor      NodeType = "WaitForNode"
	NodeTypeSegmentSplit NodeType = "SegmentSplitNode"
	NodeTypeRandomCohort NodeType = "RandomCohortNode"
	NodeTypeMessage      NodeType = "MessageNode"
	NodeTypeExit         NodeType = "ExitNode"
)

// Node is the closed set of journey node variants. The interpreter
// switches exhaustively over the concrete types; an unknown concrete type
// is treated as a data-authoring defect, never a runtime fault.
type Node interface {
	ID() NodeID
	Type() NodeType
}

// SegmentEntryNode starts a journey when a user enters a segment.
type SegmentEntryNode struct {
	NodeID    NodeID
	SegmentID string
	Child     NodeID
	// ReEntry allows a fresh run to begin after exit while the user is
	// still in the entry segment.
	ReEntry bool
}

func (n SegmentEntryNode) ID() NodeID     { return n.NodeID }
func (n SegmentEntryNode) Type() NodeType { return NodeTypeSegmentEntry }

// EventEntryNode starts a journey when a named event is observed. Key is
// an optional property path used to derive the instance's event key.
type EventEntryNode struct {
	NodeID    NodeID
	EventName string
	Key       string
	Child     NodeID
}

func (n EventEntryNode) ID() NodeID     { return n.NodeID }
func (n EventEntryNode) Type() NodeType { return NodeTypeEventEntry }

// DelayVariant selects how a DelayNode computes its suspension.
type DelayVariant string

const (
	// DelaySeconds suspends for a fixed number of seconds.
	DelaySeconds DelayVariant = "Seconds"
	// DelayLocalTime suspends until the next wall-clock instant at
	// Hour:Minute in the user's resolved timezone (UTC if unresolved).
	DelayLocalTime DelayVariant = "LocalTime"
	// DelayUserProperty suspends until an offset relative to a
	// user-property-derived instant. Delay is zero if the property is
	// absent or the instant already passed.
	DelayUserProperty DelayVariant = "UserProperty"
)

// DelayDirection orients a UserProperty delay around its base instant.
type DelayDirection string

const (
	DelayBefore DelayDirection = "before"
	DelayAfter  DelayDirection = "after"
)

// DelayNode suspends the journey for a computed duration.
type DelayNode struct {
	NodeID  NodeID
	Variant DelayVariant
	Child   NodeID

	// Seconds variant.
	Seconds int64

	// LocalTime variant.
	Hour   int
	Minute int

	// UserProperty variant.
	Property      string
	OffsetSeconds int64
	Direction     DelayDirection
}

func (n DelayNode) ID() NodeID     { return n.NodeID }
func (n DelayNode) Type() NodeType { return NodeTypeDelay }

// WaitForSegmentChild is one awaited segment branch of a WaitForNode.
// Declaration order is the tie-break order when several segments become
// true within one signal batch.
type WaitForSegmentChild struct {
	ID        NodeID
	SegmentID string
}

// WaitForNode suspends until any listed segment becomes true or the
// timeout elapses, whichever happens first.
type WaitForNode struct {
	NodeID          NodeID
	TimeoutSeconds  int64
	TimeoutChild    NodeID
	SegmentChildren []WaitForSegmentChild
}

func (n WaitForNode) ID() NodeID     { return n.NodeID }
func (n WaitForNode) Type() NodeType { return NodeTypeWaitFor }

// SegmentSplitNode branches on one boolean segment membership.
type SegmentSplitNode struct {
	NodeID     NodeID
	SegmentID  string
	TrueChild  NodeID
	FalseChild NodeID
}

func (n SegmentSplitNode) ID() NodeID     { return n.NodeID }
func (n SegmentSplitNode) Type() NodeType { return NodeTypeSegmentSplit }

// RandomCohortChild is one weighted branch of a RandomCohortNode.
// Percent is expressed 0-100; the declared percentages are expected to
// sum to approximately 100.
type RandomCohortChild struct {
	ID      NodeID
	Percent float64
	Name    string
}

// RandomCohortNode routes by a uniform random draw in [0,1) mapped onto
// cumulative percentage thresholds in declared order.
type RandomCohortNode struct {
	NodeID   NodeID
	Children []RandomCohortChild
}

func (n RandomCohortNode) ID() NodeID     { return n.NodeID }
func (n RandomCohortNode) Type() NodeType { return NodeTypeRandomCohort }

// MessageChannel selects the delivery channel of a MessageNode.
type MessageChannel string

const (
	ChannelEmail   MessageChannel = "Email"
	ChannelSMS     MessageChannel = "Sms"
	ChannelWebhook MessageChannel = "Webhook"
)

// MessageNode dispatches one rendered message to the user.
type MessageNode struct {
	NodeID     NodeID
	Name       string
	Channel    MessageChannel
	TemplateID string
	Child      NodeID

	// SkipOnFailure continues to Child even when dispatch fails.
	SkipOnFailure bool
	// SyncProperties blocks dispatch until the computed-property pipeline
	// has caught up past "now".
	SyncProperties bool

	SubscriptionGroupID string
}

func (n MessageNode) ID() NodeID     { return n.NodeID }
func (n MessageNode) Type() NodeType { return NodeTypeMessage }

// ExitNode terminates the journey.
type ExitNode struct{}

func (n ExitNode) ID() NodeID     { return ExitNodeID }
func (n ExitNode) Type() NodeType { return NodeTypeExit }

// Definition is a validated journey graph: one entry node, body nodes,
// and the implicit exit node.
type Definition struct {
	EntryNode Node
	Nodes     []Node
}

// Node resolves an id to a node in the definition. The exit sentinel and
// the entry node's id both resolve.
func (d *Definition) Node(id NodeID) (Node, bool) {
	if id == ExitNodeID {
		return ExitNode{}, true
	}
	if d.EntryNode != nil && d.EntryNode.ID() == id {
		return d.EntryNode, true
	}
	for _, n := range d.Nodes {
		if n.ID() == id {
			return n, true
		}
	}
	return nil, false
}

// NodeCount returns the total node count including entry and exit.
// The interpreter's iteration safety valve is NodeCount()+1.
func (d *Definition) NodeCount() int {
	return len(d.Nodes) + 2
}
