package setup

import (
	"fmt"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/sim"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

var teamNames = []string{
	"Edible Frog",
	"Jonah Crab",
	"English Cream Golden Retriever",
	"Vampire Squid",
	"Bolognese Dog",
	"Abyssinian Guinea Pig",
	"Eastern Racer",
	"Keta Salmon",
	"Korean Jindo",
	"Baiji",
	"Common Spotted Cuscus",
	"Indian python",
	"Kooikerhondje",
	"Gopher Tortoise",
	"Kamehameha Butterfly",
	"X-Ray Tetra",
	"Dodo",
	"Rainbow Shark",
	"Chihuahua Mix",
	"Flounder Fish",
	"Hooded Oriole",
	"Bed Bug",
	"Pacific Spaghetti Eel",
	"Yak",
	"Madagascar Hissing Cockroach",
	"Petite Goldendoodle",
	"Teacup Miniature Horse",
	"Arizona Blonde Tarantula",
	"Aye-Aye",
	"Dorking Chicken",
	"Elk",
	"Xenoposeidon",
	"Urutu Snake",
	"Hamburg Chicken",
	"Thorny Devil",
	"Venus Flytrap",
	"Fancy Mouse",
	"Lawnmower Blenny",
	"NebelungOrb Weaver",
	"Quagga",
	"Woolly Rhinoceros",
	"Radiated Tortoise",
	"De Kay's Brown Snake",
	"Red-Tailed Cuckoo Bumble Bee",
	"Japanese Bantam Chicken",
	"Irukandji Jellyfish",
	"Dogue De Bordeaux",
	"Bamboo Shark",
	"Peppered Moth",
	"German Cockroach",
	"Vestal Cuckoo Bumble Bee",
	"Ovenbird",
	"Irish Elk",
	"Southeastern Blueberry Bee",
	"Modern Game Chicken",
	"Onagadori Chicken",
	"LaMancha Goat",
	"Dik-Dik",
	"Quahog Clam",
	"Jack Russells",
	"Assassin Bug",
	"Upland Sandpiper",
	"Nurse Shark",
	"San Francisco Garter Snake",
	"Zebu",
	"New Hampshire Red Chicken",
	"False Water Cobra",
	"Earless Monitor Lizard",
	"Chicken Snake",
	"Walking Catfish",
	"Gypsy Cuckoo Bumble Bee",
	"Immortal Jellyfish",
	"Zorse",
	"Xerus",
	"Macaroni Penguin",
	"Taco Terrier",
	"Lone Star Tick",
	"Crappie Fish",
	"Yorkiepoo",
	"Lemon Cuckoo Bumble Bee",
	"Amano Shrimp",
	"German Wirehaired Pointer",
	"Cabbage Moth",
	"Huskydoodle",
	"Forest Cuckoo Bumble Bee",
	"Old House Borer",
	"Hammerhead Worm",
	"Striped Rocket Frog",
	"Zonkey",
	"Fainting Goat",
	"White Crappie",
	"Quokka",
	"Banana Eel",
	"Goblin Shark",
	"Umbrellabird",
	"Norwegian Elkhound",
	"Yabby",
	"Midget Faded Rattlesnake",
	"Pomchi",
	"Jack-Chi",
	"Herring",
}

// TeamName returns the display name of team id (1-based).
func TeamName(id int) string {
	if id >= 1 && id <= len(teamNames) {
		return teamNames[id-1]
	}
	return fmt.Sprintf("Team %d", id)
}

// GenerateTeams creates the simulated teams for simType. Ids run from 1 in
// experience ladder order.
func GenerateTeams(simType model.SimulationType, teams int) []*model.Team {
	dist := sim.Distribution(simType, teams)
	ladder := append(append([]model.Experience(nil), model.RealisticLadder...), model.ExperienceHaxxor)

	var out []*model.Team
	id := 1
	for _, exp := range ladder {
		for i := 0; i < dist[exp]; i++ {
			out = append(out, model.NewTeam(id, TeamName(id), exp))
			id++
		}
	}
	return out
}
