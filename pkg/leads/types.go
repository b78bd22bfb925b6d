package leads

import "time"

// Lead is the person being called
type Lead struct {
	ID             string                 `json:"id"`
	CampaignID     string                 `json:"campaign_id"`
	Name           string                 `json:"name"`
	PhoneNumber    string                 `json:"phone_number"`
	Purpose        string                 `json:"purpose,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Classification string                 `json:"classification,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Campaign is the authoritative source for inbound call parameters
type Campaign struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AgentID     string `json:"agent_id"`
	Goal        string `json:"goal,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Callback is a scheduled call back
type Callback struct {
	ID           string    `json:"id"`
	LeadID       string    `json:"lead_id"`
	CampaignID   string    `json:"campaign_id"`
	CallSID      string    `json:"call_sid"`
	PhoneNumber  string    `json:"phone_number"`
	DelayMinutes int       `json:"delay_minutes"`
	Reason       string    `json:"reason,omitempty"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Memory is a fact the agent chose to remember about a lead
type Memory struct {
	LeadID     string    `json:"lead_id"`
	CallSID    string    `json:"call_sid"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	MemoryType string    `json:"memory_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Pattern is a learned conversational outcome for a campaign
type Pattern struct {
	CampaignID string    `json:"campaign_id"`
	Pattern    string    `json:"pattern"`
	Outcome    string    `json:"outcome"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// TransferRequest asks for a human to take over a call
type TransferRequest struct {
	CallSID     string    `json:"call_sid"`
	LeadID      string    `json:"lead_id"`
	CampaignID  string    `json:"campaign_id"`
	Reason      string    `json:"reason"`
	Urgency     string    `json:"urgency"`
	RequestedAt time.Time `json:"requested_at"`
}
