// cli_client es un cliente interactivo de la API de sesiones. Todas las
// llamadas autenticadas comparten un unico coordinador de tokens.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"session-lifecycle/internal/authclient"
	"session-lifecycle/internal/config"
)

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewExample()
	defer logger.Sync()

	client := authclient.NewClient(authclient.ClientOptions{
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
		Coordinator: authclient.Options{
			Threshold:  cfg.RefreshThreshold,
			Timeout:    cfg.RefreshTimeout,
			MaxRetries: cfg.RefreshMaxRetries,
		},
	})

	var notified <-chan struct{}
	for {
		notified = reportLogout(client, notified)
		fmt.Println("\n===== Sesiones =====")
		fmt.Println("[1] Iniciar sesion")
		fmt.Println("[2] Listar sesiones activas")
		fmt.Println("[3] Cerrar una sesion")
		fmt.Println("[4] Cerrar las demas sesiones")
		fmt.Println("[5] Cerrar sesion")
		fmt.Println("[6] Cerrar sesion en todos los dispositivos")
		fmt.Println("[7] Salir")
		fmt.Print("Selecciona una opcion: ")

		line, _ := reader.ReadString('\n')
		switch strings.TrimSpace(line) {
		case "1":
			loginFlow(ctx, reader, client)
		case "2":
			listFlow(ctx, client)
		case "3":
			fmt.Print("ID de sesion: ")
			id := readLine(reader)
			if err := client.RevokeSession(ctx, id); err != nil {
				printErr("cerrar sesion", err)
			} else {
				fmt.Println("Sesion cerrada.")
			}
		case "4":
			if err := client.RevokeOtherSessions(ctx); err != nil {
				printErr("cerrar otras sesiones", err)
			} else {
				fmt.Println("Las demas sesiones fueron cerradas.")
			}
		case "5":
			if err := client.Logout(ctx); err != nil {
				printErr("logout", err)
			} else {
				fmt.Println("Sesion finalizada.")
			}
		case "6":
			if n, err := client.LogoutAll(ctx); err != nil {
				printErr("logout en todos los dispositivos", err)
			} else {
				fmt.Printf("Sesiones cerradas: %d.\n", n)
			}
		case "7":
			return
		default:
			fmt.Println("Opcion invalida.")
		}
	}
}

func loginFlow(ctx context.Context, reader *bufio.Reader, client *authclient.Client) {
	fmt.Print("Email: ")
	email := readLine(reader)
	fmt.Print("Password: ")
	password := readLine(reader)
	fmt.Print("Dispositivo (default cli): ")
	device := readLine(reader)
	if device == "" {
		device = "cli"
	}

	sessionID, err := client.Login(ctx, email, password, device)
	if err != nil {
		printErr("login", err)
		return
	}
	fmt.Printf("Sesion iniciada: %s\n", sessionID)
}

func listFlow(ctx context.Context, client *authclient.Client) {
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		printErr("listar sesiones", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No hay sesiones activas.")
		return
	}
	for _, s := range sessions {
		marker := " "
		if s.IsCurrent {
			marker = "*"
		}
		fmt.Printf("%s %s  %-20s %-15s ultima actividad %s, vence %s\n",
			marker,
			s.ID,
			s.DeviceInfo,
			s.IPAddress,
			s.LastActivityAt.Local().Format(time.DateTime),
			s.ExpiresAt.Local().Format(time.DateTime),
		)
	}
}

// reportLogout avisa una vez por cada logout disparado por un refresh fallido.
func reportLogout(client *authclient.Client, notified <-chan struct{}) <-chan struct{} {
	ch := client.Coordinator().LoggedOut()
	if ch == notified {
		return notified
	}
	select {
	case <-ch:
		fmt.Println("La sesion expiro o fue revocada. Inicia sesion de nuevo.")
		return ch
	default:
		return notified
	}
}

func printErr(action string, err error) {
	switch {
	case errors.Is(err, authclient.ErrNotAuthenticated):
		fmt.Println("Primero inicia sesion.")
	case errors.Is(err, authclient.ErrInvalidCredentials):
		fmt.Println("Credenciales invalidas.")
	case errors.Is(err, authclient.ErrRefreshRejected):
		fmt.Println("La sesion ya no es valida. Inicia sesion de nuevo.")
	default:
		fmt.Printf("Error en %s: %v\n", action, err)
	}
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
