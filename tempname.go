package tftpd

import (
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const randomSuffixLetters = "abcdefghijklmnopqrstuvwxyz"

// randomSuffix returns "<epoch-seconds>-<7 lowercase letters>" (§6.3),
// grounded on original_source/src/temp.rs's generate_random_name. Collision
// avoidance is best-effort, as the spec allows.
func randomSuffix() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(time.Now().Unix(), 10))
	b.WriteByte('-')
	for i := 0; i < 7; i++ {
		b.WriteByte(randomSuffixLetters[rand.Intn(len(randomSuffixLetters))])
	}
	return b.String()
}
