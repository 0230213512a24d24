package relay

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var animals = []string{
	"kitten", "puppy", "bunny", "panda", "koala", "fox", "otter", "hedgehog", "squirrel", "hamster",
	"penguin", "flamingo", "pelican", "sparrow", "robin", "toucan", "parrot", "dolphin", "narwhal", "beaver",
}

var dishes = []string{
	"pancake", "waffle", "sushi", "ramen", "curry", "taco", "burrito", "biryani", "paella", "risotto",
	"dumpling", "noodle", "omelette", "kebab", "falafel", "samosa", "gnocchi", "fondue", "pierogi", "dimsum",
}

var adjectives = []string{
	"tiny", "happy", "sleepy", "fluffy", "sparkly", "cheery", "silly", "jolly", "cozy", "shiny",
	"brave", "calm", "swift", "gentle", "bright", "quiet", "lucky", "merry", "bold", "witty",
}

var extras = []string{
	"sunbeam", "stardust", "pepper", "muffin", "bubble", "sprout", "glimmer", "whisker", "echo", "jelly",
	"marble", "maple", "cocoa", "hazel", "breeze", "meadow", "willow", "ember", "pixel", "biscuit",
}

// RoomName returns a random memorable room name such as
// "sleepy-otter-ramen-ember".
func RoomName() string {
	lists := [][]string{adjectives, animals, dishes, extras}
	words := make([]string, len(lists))
	for i, list := range lists {
		words[i] = list[randomIndex(len(list))]
	}
	return strings.Join(words, "-")
}

// randomIndex returns a cryptographically secure index below max.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("failed to generate random index: %v", err))
	}
	return int(n.Int64())
}
