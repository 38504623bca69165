package email

// SearchFolders is the order in which folders are polled. Gmail accounts with a
// Russian UI file verification mail under the localized spam folder, so it goes first.
var SearchFolders = []string{
	"[Gmail]/Спам",
	"INBOX",
	"[Gmail]/Spam",
	"Spam",
	"Junk",
}

// FallbackFolders is returned by ListFolders when the server refuses LIST
var FallbackFolders = []string{
	"INBOX",
	"[Gmail]/Spam",
	"[Gmail]/Спам",
	"Spam",
	"Junk",
}

func fallbackFolders() []string {
	out := make([]string, len(FallbackFolders))
	copy(out, FallbackFolders)
	return out
}
