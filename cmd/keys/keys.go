package keys

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	logger "github.com/sirupsen/logrus"

	"tradeengine/src/security"
)

// CLI is an interactive loop for preparing encrypted venue credentials.
// Output values go into VENUE_API_KEY / VENUE_API_SECRET with
// VENUE_CREDENTIALS_ENCRYPTED=true.
type CLI struct{}

func printUsage() {
	fmt.Println("Available commands:")
	fmt.Println("  help                     Show this help message")
	fmt.Println("  shutdown                 Exit the application")
	fmt.Println("  encrypt <key> <secret>   Encrypt venue credentials for the environment")
	fmt.Println("  decrypt <value>          Decrypt a previously encrypted value")
	fmt.Println()
}

func (c *CLI) Start() error {
	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 1024), 1024*1024)

	printUsage()

	for {
		fmt.Print("cmd> ")

		if !reader.Scan() {
			return reader.Err()
		}

		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}

		parts := strings.Split(line, " ")
		cmd := parts[0]

		switch cmd {

		case "shutdown":
			fmt.Println("Exiting CLI...")
			return nil

		case "help":
			printUsage()

		case "encrypt":
			if len(parts) < 3 {
				printUsage()
				continue
			}
			key, secret := parts[1], parts[2]

			encryptedKey, err := security.EncryptString(key)
			if err != nil {
				logger.WithError(err).Error("Failed to encrypt key")
				continue
			}

			encryptedSecret, err := security.EncryptString(secret)
			if err != nil {
				logger.WithError(err).Error("Failed to encrypt secret")
				continue
			}

			fmt.Println("VENUE_API_KEY=" + encryptedKey)
			fmt.Println("VENUE_API_SECRET=" + encryptedSecret)
			fmt.Println("VENUE_CREDENTIALS_ENCRYPTED=true")

		case "decrypt":
			if len(parts) < 2 {
				printUsage()
				continue
			}

			plaintext, err := security.DecryptString(parts[1])
			if err != nil {
				logger.WithError(err).Error("Failed to decrypt value")
				continue
			}

			fmt.Println(plaintext)

		default:
			fmt.Println("Unknown command:", cmd)
			printUsage()
		}
	}
}
