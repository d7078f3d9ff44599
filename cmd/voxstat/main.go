// Command voxstat imports MagicaVoxel files into a voxel library and reports
// how they are laid out in block memory.
package main

func main() {
	execute()
}
