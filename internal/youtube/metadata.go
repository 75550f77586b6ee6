package youtube

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/source"
)

// Privacy is a video's visibility.
type Privacy string

const (
	PrivacyPublic   Privacy = "public"
	PrivacyUnlisted Privacy = "unlisted"
	PrivacyPrivate  Privacy = "private"
)

// Valid reports whether p is a known privacy level.
func (p Privacy) Valid() bool {
	switch p {
	case PrivacyPublic, PrivacyUnlisted, PrivacyPrivate:
		return true
	}
	return false
}

// CategoryComedy is YouTube's "Comedy" category ID.
const CategoryComedy = "23"

const (
	maxTitleRunes = 100
	maxTagsChars  = 500
	maxTags       = 15
)

// Metadata is what gets attached to an upload.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
	CategoryID  string
	Privacy     Privacy
	Shorts      bool
	MadeForKids bool
	Language    string
}

// Validate checks metadata against the platform's limits before uploading.
// Violations are validation_rejected.
func (m Metadata) Validate() error {
	const op = "youtube.metadata"
	title := m.title()
	if strings.TrimSpace(title) == "" {
		return failure.Newf(failure.ValidationRejected, op, "title is empty")
	}
	if n := utf8.RuneCountInString(title); n > maxTitleRunes {
		return failure.Newf(failure.ValidationRejected, op, "title is %d characters, max %d", n, maxTitleRunes)
	}
	if strings.ContainsAny(title, "<>") {
		return failure.Newf(failure.ValidationRejected, op, "title must not contain < or >")
	}
	total := 0
	for _, t := range m.Tags {
		total += len(t)
	}
	if total > maxTagsChars {
		return failure.Newf(failure.ValidationRejected, op, "tags are %d characters, max %d", total, maxTagsChars)
	}
	if !m.Privacy.Valid() {
		return failure.Newf(failure.ValidationRejected, op, "invalid privacy %q", m.Privacy)
	}
	return nil
}

func (m Metadata) title() string {
	if m.Shorts && !strings.Contains(strings.ToLower(m.Title), "#shorts") {
		return m.Title + " #Shorts"
	}
	return m.Title
}

var titleTemplates = []string{
	"😂 This Will Make You LAUGH!",
	"🤣 Funniest Short You'll See Today!",
	"😂 You Won't Believe This!",
	"🤣 This Is TOO FUNNY!",
	"😂 Watch This & Try Not to Laugh!",
	"🤣 Hilarious Short Alert!",
	"😂 This Cracked Me Up!",
	"🤣 You NEED to See This!",
}

const descriptionTemplate = `🤣 Hope this made you laugh!

%s

🔔 Subscribe for daily funny shorts!
👍 Like if this made you smile!
💬 Comment your favorite part!

#Shorts #Funny #Comedy #Viral #Entertainment`

var defaultTags = []string{
	"funny", "comedy", "humor", "shorts", "viral",
	"laugh", "hilarious", "entertainment", "fun",
	"joke", "meme", "youtubeshorts", "short",
	"trending", "fyp", "foryou",
}

// BuildMetadata derives upload metadata for a content item. pick chooses the
// title template: it is given the number of templates and returns an index.
func BuildMetadata(item source.ContentItem, privacy Privacy, pick func(int) int) Metadata {
	topic := "one liner"
	if item.TwoPart() {
		topic = "dad joke"
	}

	tags := []string{strings.ReplaceAll(topic, " ", ""), "jokes"}
	for _, t := range defaultTags {
		if len(tags) == maxTags {
			break
		}
		tags = append(tags, t)
	}

	return Metadata{
		Title:       titleTemplates[pick(len(titleTemplates))],
		Description: fmt.Sprintf(descriptionTemplate, item.Text),
		Tags:        tags,
		CategoryID:  CategoryComedy,
		Privacy:     privacy,
		Shorts:      true,
		MadeForKids: false,
		Language:    "en",
	}
}
