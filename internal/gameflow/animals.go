// internal/gameflow/animals.go
package gameflow

// Animal is display data for one avatar tag.
type Animal struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
	Color string `json:"color"`
}

// AnimalCatalog maps the 12 avatar tags to their display data. The tag set
// itself lives in protocol; this is presentation metadata for the screens
// and the share text.
var AnimalCatalog = []Animal{
	{ID: "cat", Name: "Cat", Emoji: "🐱", Color: "#FFB74D"},
	{ID: "dog", Name: "Dog", Emoji: "🐶", Color: "#A1887F"},
	{ID: "rabbit", Name: "Rabbit", Emoji: "🐰", Color: "#F48FB1"},
	{ID: "bear", Name: "Bear", Emoji: "🐻", Color: "#8D6E63"},
	{ID: "fox", Name: "Fox", Emoji: "🦊", Color: "#FF8A65"},
	{ID: "panda", Name: "Panda", Emoji: "🐼", Color: "#90A4AE"},
	{ID: "penguin", Name: "Penguin", Emoji: "🐧", Color: "#78909C"},
	{ID: "hamster", Name: "Hamster", Emoji: "🐹", Color: "#FFCC80"},
	{ID: "owl", Name: "Owl", Emoji: "🦉", Color: "#BCAAA4"},
	{ID: "lion", Name: "Lion", Emoji: "🦁", Color: "#FFB300"},
	{ID: "koala", Name: "Koala", Emoji: "🐨", Color: "#B0BEC5"},
	{ID: "duck", Name: "Duck", Emoji: "🦆", Color: "#81C784"},
}

// LookupAnimal returns the display data for an avatar tag.
func LookupAnimal(id string) (Animal, bool) {
	for _, a := range AnimalCatalog {
		if a.ID == id {
			return a, true
		}
	}
	return Animal{}, false
}
