package agents

import "hash/fnv"

// instanceNames label individual step executions in events and logs.
// The list is fixed so the same run id always yields the same labels.
var instanceNames = []string{
	"Ome", "Gora", "Maji", "Ueno", "Ebisu",
	"Osaki", "Otaru", "Namba", "Tenma", "Mejiro",
	"Koenji", "Gotanda", "Ryogoku", "Nippori", "Asagaya",
	"Harajuku", "Odawara", "Ogikubo", "Ichigaya", "Todoroki",
	"Naruto", "Zushi", "Fussa", "Nikko", "Hakone",
	"Beppu", "Atami", "Ginza", "Omiya", "Mitaka",
}

// InstanceName returns a deterministic label for the index-th step of a run.
func InstanceName(runID string, index int) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	n := (int(h.Sum32()%uint32(len(instanceNames))) + index) % len(instanceNames)
	if n < 0 {
		n += len(instanceNames)
	}
	return instanceNames[n]
}
