package main

import (
	"math/rand"
)

// raceWords is the fixed pool of candidate words a race draws from.
var raceWords = []string{
	"hola", "mundo", "teclado", "rápido", "carrera", "amigo", "codigo", "javascript", "socket", "servidor",
	"cliente", "teclear", "dedos", "virtual", "reto", "practica", "velocidad", "precisión", "gato", "perro",
}

const (
	defaultWordsCount = 20
	maxWordsCount     = 100
)

// shuffleAndPick returns the first n words of a uniform random permutation
// of corpus. The corpus itself is never reordered. When n exceeds the corpus
// size, the whole shuffled corpus is returned, with no repetition or padding.
func shuffleAndPick(corpus []string, n int) []string {
	shuffled := make([]string, len(corpus))
	copy(shuffled, corpus)

	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	if n > len(shuffled) {
		n = len(shuffled)
	}

	return shuffled[:n]
}

// clampWordsCount maps a client-supplied word count onto the accepted range,
// substituting the default for zero or negative values.
func clampWordsCount(n int) int {
	if n <= 0 {
		return defaultWordsCount
	}
	if n > maxWordsCount {
		return maxWordsCount
	}
	return n
}
