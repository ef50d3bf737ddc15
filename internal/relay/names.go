package relay

import "math/rand"

var adjectives = []string{
	"Blue", "Green", "Swift", "Quiet", "Bold",
	"Golden", "Crimson", "Azure", "Misty", "Sunny",
	"Brave", "Lucky", "Gentle", "Silent", "Bright",
	"Rapid", "Calm", "Icy", "Amber", "Silver",
}

var animals = []string{
	"Fox", "Panda", "Hawk", "Otter", "Tiger",
	"Wolf", "Koala", "Falcon", "Dolphin", "Bear",
	"Eagle", "Seal", "Lynx", "Stag", "Bison",
	"Whale", "Cobra", "Heron", "Moose", "Raven",
}

// RandomName composes a two-word codename. Uniqueness is not guaranteed;
// the id is the real key.
func RandomName() string {
	return adjectives[rand.Intn(len(adjectives))] + " " + animals[rand.Intn(len(animals))]
}
