// Command physctl exercises the physical heap and the virtqueue engine
// against simulated memory and devices.
package main

func main() {
	execute()
}
