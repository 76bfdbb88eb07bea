package contract

// User is the profile node stored at users/{uid}. The UID is the node key,
// not part of the stored value.
type User struct {
	UID         string `json:"-"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
	PetName     string `json:"petName"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen"`

	// Email comes from the identity provider and is never written to the
	// database.
	Email string `json:"-"`
}

// Label is the name shown next to a user's messages: pet name when set,
// display name otherwise.
func (u *User) Label() string {
	if u.PetName != "" {
		return u.PetName
	}
	return u.DisplayName
}

// FileRef describes an uploaded attachment referenced by a message.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Message is a single entry under chats/{roomId}/messages. The ID is the
// push key assigned on send. A message carries text, a file, or both.
type Message struct {
	ID         string   `json:"-"`
	Sender     string   `json:"sender"`
	SenderName string   `json:"senderName"`
	Timestamp  int64    `json:"timestamp"`
	Text       string   `json:"text,omitempty"`
	File       *FileRef `json:"file,omitempty"`
}
