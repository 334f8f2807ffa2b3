package auth

// Permissions lists the documents an identity may read and write. "*"
// matches every document.
type Permissions struct {
	CanRead  []string `json:"canRead"`
	CanWrite []string `json:"canWrite"`
	IsAdmin  bool     `json:"isAdmin"`
}

// FullAccess grants read and write on every document
func FullAccess() Permissions {
	return Permissions{CanRead: []string{"*"}, CanWrite: []string{"*"}}
}

// Admin grants full access with the admin flag set
func Admin() Permissions {
	p := FullAccess()
	p.IsAdmin = true
	return p
}

// CanReadDocument reports whether documentID is readable. Writers can always read.
func (p Permissions) CanReadDocument(documentID string) bool {
	return p.IsAdmin || matches(p.CanRead, documentID) || matches(p.CanWrite, documentID)
}

// CanWriteDocument reports whether documentID is writable
func (p Permissions) CanWriteDocument(documentID string) bool {
	return p.IsAdmin || matches(p.CanWrite, documentID)
}

func matches(ids []string, documentID string) bool {
	for _, id := range ids {
		if id == "*" || id == documentID {
			return true
		}
	}
	return false
}
