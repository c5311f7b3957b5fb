package models

// ContentBlock is a free-text region editable from the admin editor.
type ContentBlock struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Page    string `json:"page,omitempty"`
	Element string `json:"element,omitempty"`
	Meta
}

func (c *ContentBlock) EntityID() string { return c.ID }
func (c *ContentBlock) Kind() Kind       { return KindContentBlock }
func (c *ContentBlock) Metadata() *Meta  { return &c.Meta }

func (c *ContentBlock) Validate() error {
	return requireID(KindContentBlock, c.ID)
}

// Contact is keyed by its platform identifier ("instagram", "whatsapp", ...).
type Contact struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
	Active   bool   `json:"active"`
	Meta
}

func (c *Contact) EntityID() string { return c.Platform }
func (c *Contact) Kind() Kind       { return KindContact }
func (c *Contact) Metadata() *Meta  { return &c.Meta }

func (c *Contact) Validate() error {
	return requireID(KindContact, c.Platform)
}
