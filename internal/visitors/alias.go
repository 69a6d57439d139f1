package visitors

import "hash/fnv"

var aliasAdjectives = []string{
	"Curious", "Happy", "Clever", "Brave", "Swift", "Gentle", "Bright", "Calm", "Bold", "Eager",
	"Jolly", "Keen", "Lively", "Merry", "Nimble", "Plucky", "Quiet", "Rapid", "Sunny", "Witty",
}

var aliasAnimals = []string{
	"Panda", "Fox", "Owl", "Otter", "Lion", "Eagle", "Deer", "Raven", "Beaver", "Koala",
	"Heron", "Lynx", "Marten", "Newt", "Puffin", "Quokka", "Seal", "Tapir", "Walrus", "Yak",
}

// Alias returns a stable anonymized display name for a fingerprint.
func Alias(fingerprint string) string {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	index := int(h.Sum32())

	adjective := aliasAdjectives[index%len(aliasAdjectives)]
	animal := aliasAnimals[(index/len(aliasAdjectives))%len(aliasAnimals)]
	return adjective + " " + animal
}
