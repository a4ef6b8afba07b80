package graph

// Content types used in chat message payloads.
const (
	ContentTypeHTML         = "html"
	ContentTypeAdaptiveCard = "application/vnd.microsoft.card.adaptive"
)

type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Attachment carries a card. Content is the card JSON encoded as a string.
type Attachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// ChatMessage is the request body shared by chat and channel sends.
type ChatMessage struct {
	Body        ItemBody     `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Team struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type Channel struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	MembershipType string `json:"membershipType,omitempty"`
}

// Profile is the signed-in user behind the delegated credential.
type Profile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Email falls back to userPrincipalName when mail is not set.
func (p *Profile) Email() string {
	if p.Mail != "" {
		return p.Mail
	}
	return p.UserPrincipalName
}

type sentMessage struct {
	ID string `json:"id"`
}

type teamPage struct {
	Value    []Team `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type channelPage struct {
	Value    []Channel `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}
