package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/joho/godotenv"
	"github.com/kwontaeheon/snapdock/pkg"
	"golang.org/x/sync/errgroup"
)

//go:embed config.json
var config []byte

var configPath = filepath.Join(os.Getenv("HOME"), "/.config/snapdock")

type Config struct {
	DaemonURL string `json:"daemon_url"`
}

var helpStr = `Usage:
  snapdock <command>

Available Commands:
  ps          List containers known to the Docker daemon
  snap        Snapshot one or more containers into archived images
  list        List catalogued snapshots
  restore     Load a snapshot's image back into the Docker daemon
  run         Start a container from a snapshot
  delete      Delete a snapshot (or all of them)
  prune       Keep only the newest snapshots per container
  version     Show the daemon's version and compression settings

Flags:
  -h, --help   help for snapdock

Use "snapdock <command> --help" for more information about a command.`

func responseError(action string, resp *http.Response) error {
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %v", err)
	}

	responseBody = []byte(strings.TrimSuffix(string(responseBody), "\n"))

	return fmt.Errorf("%s failed: %s", action, responseBody)
}

func snapContainer(config Config, ref string, req pkg.SnapRequest, out *CustomStdout, prefix string) (pkg.Snapshot, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return pkg.Snapshot{}, fmt.Errorf("Failed to marshal snapshot request: %v", err)
	}

	resp, err := http.Post(config.DaemonURL+"/snapshots/"+ref, "application/json", bytes.NewReader(body))
	if err != nil {
		return pkg.Snapshot{}, fmt.Errorf("Failed to snapshot %s: %v", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pkg.Snapshot{}, responseError("snap "+ref, resp)
	}

	completeMsg, err := streamEvents(resp.Body, out, prefix)
	if err != nil {
		return pkg.Snapshot{}, fmt.Errorf("Snapshot of %s failed: %v", ref, err)
	}

	var snapshot pkg.Snapshot
	if err := json.Unmarshal([]byte(completeMsg), &snapshot); err != nil {
		return pkg.Snapshot{}, fmt.Errorf("Failed to parse snapshot response: %v", err)
	}

	return snapshot, nil
}

func runCommand(command string, args []string, config Config, info pkg.Info) error {
	seekingHelp := false
	if len(args) > 0 && (args[len(args)-1] == "--help" || args[len(args)-1] == "-h") {
		seekingHelp = true
		args = args[:len(args)-1]
	}

	spinnerWriter := CustomSpinnerWriter{}

	loadingSpinner := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(&spinnerWriter))
	defer func() {
		if loadingSpinner.Active() {
			loadingSpinner.Stop()
		}
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, os.Interrupt)
	go func() {
		<-signalChannel
		if loadingSpinner.Active() {
			loadingSpinner.Stop()
		}

		os.Exit(0)
	}()

	switch command {
	case "ps":
		if seekingHelp {
			fmt.Println(`Usage:
			  snapdock ps

			Lists the containers the daemon can snapshot.`)
			return nil
		}

		resp, err := http.Get(config.DaemonURL + "/containers")
		if err != nil {
			return fmt.Errorf("failed to get containers: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return responseError("ps", resp)
		}

		var containers []pkg.Container
		if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
			return fmt.Errorf("failed to decode containers: %v", err)
		}

		if len(containers) == 0 {
			fmt.Println("No containers found")
			return nil
		}

		renderContainers(os.Stdout, containers)
	case "snap":
		if seekingHelp {
			fmt.Println(`Usage:
			  snapdock snap <container>... [-m message] [--pause] [--no-archive]

			Options:
			  -m message:   Record a comment on the committed image
			  --pause:      Keep the container paused for the whole snapshot
			  --no-archive: Commit the image but skip the tarball export

			Snapdock commits each container to a timestamped image and saves
			it into the daemon's archive directory.`)
			return nil
		}

		var req pkg.SnapRequest
		var refs []string
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "-m", "--message":
				if i+1 >= len(args) {
					return fmt.Errorf("Usage: snapdock snap <container>... [-m message]")
				}
				i++
				req.Comment = args[i]
			case "--pause":
				req.Pause = true
			case "--no-archive":
				req.NoArchive = true
			default:
				refs = append(refs, args[i])
			}
		}

		if len(refs) == 0 {
			return fmt.Errorf("Usage: snapdock snap <container>... [-m message] [--pause] [--no-archive]")
		}

		loadingSpinner.Suffix = " Snapshotting"
		loadingSpinner.Start()

		customWriter := &CustomStdout{
			spinner: &spinnerWriter,
		}

		var mu sync.Mutex
		var snapshots []pkg.Snapshot

		var g errgroup.Group
		for _, ref := range refs {
			prefix := ""
			if len(refs) > 1 {
				prefix = ref
			}

			g.Go(func() error {
				snapshot, err := snapContainer(config, ref, req, customWriter, prefix)
				if err != nil {
					return err
				}

				mu.Lock()
				snapshots = append(snapshots, snapshot)
				mu.Unlock()

				return nil
			})
		}

		err := g.Wait()
		loadingSpinner.Stop()
		if err != nil {
			return err
		}

		for _, snapshot := range snapshots {
			fmt.Printf("Created snapshot %s (%s, %s)\n", shortID(snapshot.ID), snapshot.ImageRef, formatSize(snapshot.SizeBytes))
		}
	case "list":
		if seekingHelp {
			fmt.Println(`Usage:
			  snapdock list

			Lists all catalogued snapshots, newest first.`)
			return nil
		}

		resp, err := http.Get(config.DaemonURL + "/snapshots")
		if err != nil {
			return fmt.Errorf("failed to get snapshots: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return responseError("list", resp)
		}

		var snapshots []pkg.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snapshots); err != nil {
			return fmt.Errorf("failed to decode snapshots: %v", err)
		}

		if len(snapshots) == 0 {
			fmt.Println("No snapshots found")
			return nil
		}

		renderSnapshots(os.Stdout, snapshots)
	case "restore":
		if seekingHelp {
			fmt.Println(`Usage:
			  snapdock restore <snapshot>

			Loads the snapshot's archived image back into the Docker daemon.
			The snapshot may be given by id, id prefix, or image reference.`)
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("Usage: snapdock restore <snapshot>")
		}

		loadingSpinner.Suffix = " Restoring"
		loadingSpinner.Start()

		customWriter := &CustomStdout{
			spinner: &spinnerWriter,
		}

		resp, err := http.Post(config.DaemonURL+"/restore/"+args[0], "application/json", nil)
		if err != nil {
			return fmt.Errorf("Failed to restore snapshot: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			loadingSpinner.Stop()
			return responseError("restore", resp)
		}

		completeMsg, err := streamEvents(resp.Body, customWriter, "")
		loadingSpinner.Stop()
		if err != nil {
			return fmt.Errorf("Restore failed: %v", err)
		}

		var snapshot pkg.Snapshot
		if err := json.Unmarshal([]byte(completeMsg), &snapshot); err != nil {
			return fmt.Errorf("Failed to parse restore response: %v", err)
		}

		fmt.Printf("Restored %s as %s\n", shortID(snapshot.ID), snapshot.ImageRef)
	case "run":
		if seekingHelp {
			fmt.Println(`Usage:
			  snapdock run <snapshot> [-p host:container]... [--env-file file] [--name name]

			Options:
			  -p host:container: Publish a container port on the host
			  --env-file file:   Load environment variables from a dotenv file
			  --name name:       Name the new container

			Starts a container from the snapshot's image, restoring the
			image into the Docker daemon first if needed.`)
			return nil
		}

		var req pkg.RunRequest
		var refs []string
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "-p", "--publish":
				if i+1 >= len(args) {
					return fmt.Errorf("Usage: snapdock run <snapshot> [-p host:container]")
				}
				i++
				req.Ports = append(req.Ports, args[i])
			case "--env-file":
				if i+1 >= len(args) {
					return fmt.Errorf("Usage: snapdock run <snapshot> [--env-file file]")
				}
				i++

				envFile, err := os.Open(args[i])
				if err != nil {
					return fmt.Errorf("Failed to open env file: %v", err)
				}

				envVars, err := godotenv.Parse(envFile)
				envFile.Close()
				if err != nil {
					return fmt.Errorf("Failed to parse env file: %v", err)
				}

				for key, value := range envVars {
					req.Env = append(req.Env, fmt.Sprintf("%s=%s", key, value))
				}
			case "--name":
				if i+1 >= len(args) {
					return fmt.Errorf("Usage: snapdock run <snapshot> [--name name]")
				}
				i++
				req.Name = args[i]
			default:
				refs = append(refs, args[i])
			}
		}

		if len(refs) != 1 {
			return fmt.Errorf("Usage: snapdock run <snapshot> [-p host:container]... [--env-file file] [--name name]")
		}

		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("Failed to marshal run request: %v", err)
		}

		resp, err := http.Post(config.DaemonURL+"/run/"+refs[0], "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("Failed to run snapshot: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return responseError("run", resp)
		}

		var runResponse pkg.RunResponse
		if err := json.NewDecoder(resp.Body).Decode(&runResponse); err != nil {
			return fmt.Errorf("Failed to decode run response: %v", err)
		}

		fmt.Printf("Started container %s (%s)\n", runResponse.Name, shortID(runResponse.ContainerID))
	case "delete":
		if seekingHelp {
			fmt.Println(`Usage:
			  snapdock delete [snapshot | all]

			Options:
			  snapshot: The snapshot to delete, by id, id prefix, or image reference
			  all:      Delete every catalogued snapshot

			Deletes the snapshot's archive and catalog entry, and untags the
			image when nothing else references it.`)
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("Usage: snapdock delete [snapshot | all]")
		}

		if args[0] == "all" {
			var response string
			fmt.Print("Are you sure you want to delete all snapshots? this will delete every archive and cannot be undone. \n[y/N] ")
			fmt.Scanln(&response)

			if strings.ToLower(response) != "y" {
				fmt.Println("Aborting...")
				return nil
			}

			response = ""

			fmt.Printf("Are you really sure you want to delete all snapshots? \n[y/N] ")
			fmt.Scanln(&response)

			if strings.ToLower(response) != "y" {
				fmt.Println("Aborting...")
				return nil
			}

			req, err := http.NewRequest("DELETE", config.DaemonURL+"/snapshots", nil)
			if err != nil {
				return fmt.Errorf("Failed to delete snapshots: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to delete snapshots: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return responseError("delete", resp)
			}

			fmt.Printf("Successfully deleted all snapshots\n")
			return nil
		}

		fmt.Printf("Are you sure you want to delete %s? this will delete the archive and cannot be undone. \n[y/N] ", args[0])
		var response string
		fmt.Scanln(&response)

		if strings.ToLower(response) != "y" {
			fmt.Println("Aborting...")
			return nil
		}

		req, err := http.NewRequest("DELETE", config.DaemonURL+"/snapshots/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to delete snapshot: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to delete snapshot: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return responseError("delete", resp)
		}

		fmt.Printf("Successfully deleted %s\n", args[0])
	case "prune":
		if seekingHelp {
			fmt.Println(`Usage:
			  snapdock prune [--keep n]

			Options:
			  --keep n: How many snapshots to keep per container (defaults to
			            the daemon's retention setting)

			Deletes all but the newest snapshots of each container.`)
			return nil
		}

		pruneRequest := pkg.PruneRequest{Keep: -1}
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--keep":
				if i+1 >= len(args) {
					return fmt.Errorf("Usage: snapdock prune [--keep n]")
				}
				i++
				keep, err := strconv.Atoi(args[i])
				if err != nil || keep < 0 {
					return fmt.Errorf("That doesnt look like a valid count, try a number of 0 or more")
				}
				pruneRequest.Keep = keep
			default:
				return fmt.Errorf("Usage: snapdock prune [--keep n]")
			}
		}

		var body io.Reader
		if pruneRequest.Keep >= 0 {
			bodyBytes, err := json.Marshal(pruneRequest)
			if err != nil {
				return fmt.Errorf("Failed to marshal prune request: %v", err)
			}
			body = bytes.NewReader(bodyBytes)
		}

		resp, err := http.Post(config.DaemonURL+"/prune", "application/json", body)
		if err != nil {
			return fmt.Errorf("Failed to prune snapshots: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return responseError("prune", resp)
		}

		var pruneResponse pkg.PruneResponse
		if err := json.NewDecoder(resp.Body).Decode(&pruneResponse); err != nil {
			return fmt.Errorf("Failed to decode prune response: %v", err)
		}

		if len(pruneResponse.Deleted) == 0 {
			fmt.Println("Nothing to prune")
			return nil
		}

		for _, snapshot := range pruneResponse.Deleted {
			fmt.Printf("Pruned snapshot %s (%s)\n", shortID(snapshot.ID), snapshot.ImageRef)
		}
	case "version":
		if seekingHelp {
			fmt.Println(`Usage:
			  snapdock version

			Shows the daemon's version and compression settings.`)
			return nil
		}

		renderDaemonInfo(os.Stdout, info)
	default:
		if suggestion := suggestCommand(command); suggestion != "" {
			return fmt.Errorf("unknown command: %s, did you mean %q?\n%s", command, suggestion, helpStr)
		}
		return fmt.Errorf("unknown command: %s\n%s", command, helpStr)
	}

	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println(helpStr)
		os.Exit(1)
	}

	if os.Args[1] == "--help" || os.Args[1] == "-h" {
		fmt.Println(helpStr)
		os.Exit(0)
	}

	if _, err := os.Stat(filepath.Join(configPath, "config.json")); err != nil {
		if err := os.MkdirAll(configPath, 0755); err != nil {
			fmt.Printf("Failed to create config directory: %v\n", err)
			os.Exit(1)
		}

		if err = os.WriteFile(filepath.Join(configPath, "config.json"), config, 0644); err != nil {
			fmt.Printf("Failed to write config file: %v\n", err)
			os.Exit(1)
		}
	}

	var config Config
	configBytes, err := os.ReadFile(filepath.Join(configPath, "config.json"))
	if err != nil {
		fmt.Printf("Failed to read config file: %v\n", err)
		os.Exit(1)
	}

	if err := json.Unmarshal(configBytes, &config); err != nil {
		fmt.Printf("Failed to parse config file: %v\n", err)
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	resp, err := http.Get(config.DaemonURL + "/heartbeat")
	if err != nil {
		fmt.Println("Failed to connect to daemon")
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Println("Failed to connect to daemon")
		os.Exit(1)
	}

	var info pkg.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		fmt.Printf("Failed to decode info: %v\n", err)
		os.Exit(1)
	}

	err = runCommand(command, args, config, info)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}
