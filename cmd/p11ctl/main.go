// Command p11ctl is the administrative CLI for a p11token store:
// initializing a token, logging in, changing PINs, generating keys,
// listing objects, and SO-assisted unlock. It operates directly on a
// Token backed by either storage backend, without going through a
// loaded PKCS#11 module.
package main

import (
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/mechanism"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/storage"
	"github.com/kryptolib/p11token/template"
	"github.com/kryptolib/p11token/token"
)

var log = logrus.WithField("cmd", "p11ctl")

func openStorage() (storage.StorageRaw, error) {
	backend := viper.GetString("backend")
	switch backend {
	case "json":
		return storage.NewJSONBackend(viper.GetString("db"))
	case "sql":
		return storage.NewSQLBackend(viper.GetString("dialect"), viper.GetString("db"))
	default:
		return nil, fmt.Errorf("unknown --backend %q (want json or sql)", backend)
	}
}

func loadToken() (*token.Token, error) {
	store, err := openStorage()
	if err != nil {
		return nil, err
	}
	return token.Load(store, template.NewRegistry(), mechanism.NewDefaultRegistry(), provider.Default{}, viper.GetBool("encrypt-at-rest"))
}

func rootContext(readWrite, userLoggedIn, soLoggedIn bool) token.SessionContext {
	return token.SessionContext{ReadWrite: readWrite, UserLoggedIn: userLoggedIn, SOLoggedIn: soLoggedIn}
}

func main() {
	root := &cobra.Command{
		Use:   "p11ctl",
		Short: "Administer a p11token software token store",
	}
	root.PersistentFlags().String("backend", "json", "storage backend: json or sql")
	root.PersistentFlags().String("db", "token.json", "storage path (JSON file) or DSN (SQL)")
	root.PersistentFlags().String("dialect", "sqlite3", "GORM dialect for --backend sql: sqlite3, mysql, postgres")
	root.PersistentFlags().Bool("encrypt-at-rest", true, "seal object values under the PIN-derived master key")
	root.PersistentFlags().String("logf", "text", "log formatter: text or json")
	viper.BindPFlags(root.PersistentFlags())

	cobra.OnInitialize(func() {
		if viper.GetString("logf") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{})
		}
	})

	root.AddCommand(
		initTokenCmd(),
		loginCmd(),
		setPinCmd(),
		generateKeyCmd(),
		listObjectsCmd(),
		unlockUserCmd(),
	)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func initTokenCmd() *cobra.Command {
	var label, pin string
	cmd := &cobra.Command{
		Use:   "init-token",
		Short: "Initialize a fresh token with an SO PIN and label",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := loadToken()
			if err != nil {
				return err
			}
			if err := tok.Init(rootContext(true, false, tok.IsInitialized()), []byte(pin), label); err != nil {
				return err
			}
			if err := tok.Save(); err != nil {
				return err
			}
			log.WithField("label", label).Info("token initialized")
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "token label")
	cmd.Flags().StringVar(&pin, "so-pin", "", "initial SO PIN")
	cmd.MarkFlagRequired("label")
	cmd.MarkFlagRequired("so-pin")
	return cmd
}

func loginCmd() *cobra.Command {
	var pin, who string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate as so or user, verifying the PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := loadToken()
			if err != nil {
				return err
			}
			ut := token.User
			if who == "so" {
				ut = token.SO
			}
			if err := tok.Login(ut, []byte(pin)); err != nil {
				return err
			}
			fmt.Println("login ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&who, "user", "user", "so or user")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN")
	cmd.MarkFlagRequired("pin")
	return cmd
}

func setPinCmd() *cobra.Command {
	var who, newPin, oldPin string
	var soAssisted bool
	cmd := &cobra.Command{
		Use:   "set-pin",
		Short: "Set the SO or user PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := loadToken()
			if err != nil {
				return err
			}
			ut := token.User
			ctx := rootContext(true, false, soAssisted)
			if who == "so" {
				ut = token.SO
				ctx = rootContext(true, false, true)
			}
			if err := tok.SetPin(ctx, ut, []byte(newPin), []byte(oldPin)); err != nil {
				return err
			}
			if err := tok.Save(); err != nil {
				return err
			}
			fmt.Println("PIN updated")
			return nil
		},
	}
	cmd.Flags().StringVar(&who, "user", "user", "so or user")
	cmd.Flags().StringVar(&newPin, "new-pin", "", "new PIN")
	cmd.Flags().StringVar(&oldPin, "old-pin", "", "current PIN: the user's own PIN, unless --so-assisted, in which case the SO PIN")
	cmd.Flags().BoolVar(&soAssisted, "so-assisted", false, "authenticate as SO to set the user PIN fresh, instead of the user's own old PIN")
	cmd.MarkFlagRequired("new-pin")
	return cmd
}

func unlockUserCmd() *cobra.Command {
	var soPin string
	cmd := &cobra.Command{
		Use:   "unlock-user",
		Short: "SO-assisted reset of the user PIN's lockout counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := loadToken()
			if err != nil {
				return err
			}
			if err := tok.UnlockUser(rootContext(true, false, true), []byte(soPin)); err != nil {
				return err
			}
			if err := tok.Save(); err != nil {
				return err
			}
			fmt.Println("user unlocked")
			return nil
		},
	}
	cmd.Flags().StringVar(&soPin, "so-pin", "", "SO PIN")
	cmd.MarkFlagRequired("so-pin")
	return cmd
}

func generateKeyCmd() *cobra.Command {
	var pin, label string
	var keyBits int
	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate an AES secret key token object",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := loadToken()
			if err != nil {
				return err
			}
			if err := tok.Login(token.User, []byte(pin)); err != nil {
				return err
			}
			mech, err := tok.Mechanisms().Get(mechanism.AESKeyGen)
			if err != nil {
				return err
			}
			tokenAttr, _ := attribute.FromBool(attribute.Token, true)
			labelAttr, _ := attribute.FromString(attribute.Label, label)
			lenAttr, _ := attribute.FromULong(attribute.ValueLen, uint64(keyBits/8))
			caller := []attribute.Attribute{tokenAttr, labelAttr, lenAttr}
			obj, err := mech.GenerateKey(nil, caller, tok.Templates(), tok.Provider())
			if err != nil {
				return err
			}
			ctx := rootContext(true, true, false)
			handle, err := tok.RegisterGenerated(ctx, obj)
			if err != nil {
				return err
			}
			if err := tok.Save(); err != nil {
				return err
			}
			fmt.Printf("generated key handle=%d label=%s bits=%d\n", handle, label, keyBits)
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "user PIN")
	cmd.Flags().StringVar(&label, "label", "", "key label")
	cmd.Flags().IntVar(&keyBits, "bits", 256, "AES key size in bits: 128, 192, or 256")
	cmd.MarkFlagRequired("pin")
	cmd.MarkFlagRequired("label")
	return cmd
}

func listObjectsCmd() *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "list-objects",
		Short: "List every object visible to a logged-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := loadToken()
			if err != nil {
				return err
			}
			loggedIn := pin != ""
			if loggedIn {
				if err := tok.Login(token.User, []byte(pin)); err != nil {
					return err
				}
			}
			handles := tok.Search(rootContext(false, loggedIn, false), nil)
			for _, h := range handles {
				reqs := []token.AttrRequest{{Code: attribute.Label, BufLen: -1}, {Code: attribute.Class, BufLen: -1}}
				resp, _ := tok.GetAttributeValue(h, reqs)
				label := ""
				if len(resp) > 0 && resp[0].Err == nil {
					reqs[0].BufLen = resp[0].Length
					full, _ := tok.GetAttributeValue(h, reqs)
					if len(full) > 0 {
						label = string(full[0].Value)
					}
				}
				fmt.Printf("handle=%d label=%q\n", h, label)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "user PIN (omit to list only public objects)")
	return cmd
}
