package stl

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"testing"

	"lungmask/internal/models"
)

// sphereMask labels the voxels of a ball of the given radius
func sphereMask(size int, radius float64) *models.LabelVolume {
	mask := models.NewLabelVolume(size, size, size)
	center := float64(size) / 2.0
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) + 0.5 - center
				dy := float64(y) + 0.5 - center
				dz := float64(z) + 0.5 - center
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
					mask.Data[z*size*size+y*size+x] = 1
				}
			}
		}
	}
	return mask
}

// cross returns (b-a)x(c-a)
func cross(a, b, c [3]float32) [3]float32 {
	u := [3]float32{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	v := [3]float32{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
	return [3]float32{u[1]*v[2] - u[2]*v[1], u[2]*v[0] - u[0]*v[2], u[0]*v[1] - u[1]*v[0]}
}

// TestSphereSurface verifies the surface of a voxelized sphere faces outward
func TestSphereSurface(t *testing.T) {
	size := 20
	center := float32(size) / 2
	mesher := NewMesher(sphereMask(size, float64(size)/4), 1)

	triangles := mesher.GenerateTriangles()
	if len(triangles) < 100 {
		t.Errorf("Expected at least 100 triangles for sphere, got %d", len(triangles))
	}

	for i, triangle := range triangles {
		// Vector from sphere center to triangle center
		vx := (triangle.Vertex1[0]+triangle.Vertex2[0]+triangle.Vertex3[0])/3 - center
		vy := (triangle.Vertex1[1]+triangle.Vertex2[1]+triangle.Vertex3[1])/3 - center
		vz := (triangle.Vertex1[2]+triangle.Vertex2[2]+triangle.Vertex3[2])/3 - center

		dot := vx*triangle.Normal[0] + vy*triangle.Normal[1] + vz*triangle.Normal[2]
		if dot <= 0 {
			t.Errorf("Triangle %d normal points inward, dot product: %f", i, dot)
		}

		// Winding must agree with the stored normal
		c := cross(triangle.Vertex1, triangle.Vertex2, triangle.Vertex3)
		if c[0]*triangle.Normal[0]+c[1]*triangle.Normal[1]+c[2]*triangle.Normal[2] <= 0 {
			t.Errorf("Triangle %d winding disagrees with its normal", i)
		}
	}
}

// TestSingleVoxel verifies a lone voxel becomes a closed cube
func TestSingleVoxel(t *testing.T) {
	mask := models.NewLabelVolume(3, 3, 3)
	mask.Data[1*9+1*3+1] = 2

	mesher := NewMesher(mask, 2)
	triangles := mesher.GenerateTriangles()
	if len(triangles) != 12 {
		t.Fatalf("Expected 12 triangles for a cube, got %d", len(triangles))
	}
	if area := Area(triangles); math.Abs(area-6) > 1e-6 {
		t.Errorf("Expected unit cube area 6, got %f", area)
	}

	// Shared faces between neighbors are not emitted
	mask.Data[1*9+1*3+2] = 2
	if n := len(mesher.GenerateTriangles()); n != 20 {
		t.Errorf("Expected 20 triangles for two joined voxels, got %d", n)
	}

	// Label 0 selects every foreground label
	mask.Data[0] = 1
	if n := len(NewMesher(mask, 0).GenerateTriangles()); n != 32 {
		t.Errorf("Expected 32 triangles for all foreground voxels, got %d", n)
	}
	if n := len(NewMesher(mask, 3).GenerateTriangles()); n != 0 {
		t.Errorf("Expected no triangles for an absent label, got %d", n)
	}
}

// TestSetScale verifies that the voxel size scales the vertices
func TestSetScale(t *testing.T) {
	mask := models.NewLabelVolume(1, 1, 1)
	mask.Data[0] = 1

	mesher := NewMesher(mask, 1)
	xScale, yScale, zScale := float32(2.5), float32(1.5), float32(3.0)
	mesher.SetScale(xScale, yScale, zScale)

	triangles := mesher.GenerateTriangles()
	if len(triangles) == 0 {
		t.Fatal("No triangles generated")
	}

	var max [3]float32
	for _, triangle := range triangles {
		for _, v := range [][3]float32{triangle.Vertex1, triangle.Vertex2, triangle.Vertex3} {
			for i := range v {
				if v[i] > max[i] {
					max[i] = v[i]
				}
			}
		}
	}
	if max != [3]float32{xScale, yScale, zScale} {
		t.Errorf("Expected scaled extent %v, got %v", [3]float32{xScale, yScale, zScale}, max)
	}

	want := 2 * float64(xScale*yScale+yScale*zScale+zScale*xScale)
	if area := Area(triangles); math.Abs(area-want) > 1e-4 {
		t.Errorf("Expected scaled area %f, got %f", want, area)
	}
}

// TestWriteSTL verifies the binary layout
func TestWriteSTL(t *testing.T) {
	triangles := []Triangle{
		{
			Normal:  [3]float32{0, 0, 1},
			Vertex1: [3]float32{0, 0, 0},
			Vertex2: [3]float32{1, 0, 0},
			Vertex3: [3]float32{0, 1, 0},
		},
	}

	var buf bytes.Buffer
	if err := WriteSTL(&buf, "test", triangles); err != nil {
		t.Fatalf("Failed to write STL: %v", err)
	}
	data := buf.Bytes()
	if len(data) != 80+4+50 {
		t.Fatalf("Expected %d bytes, got %d", 80+4+50, len(data))
	}
	if string(data[:4]) != "test" {
		t.Errorf("Expected header to start with test, got %q", data[:4])
	}
	if n := binary.LittleEndian.Uint32(data[80:]); n != 1 {
		t.Errorf("Expected 1 triangle, got %d", n)
	}
	nz := math.Float32frombits(binary.LittleEndian.Uint32(data[84+8:]))
	if nz != 1 {
		t.Errorf("Expected normal z 1, got %f", nz)
	}
	v2x := math.Float32frombits(binary.LittleEndian.Uint32(data[84+24:]))
	if v2x != 1 {
		t.Errorf("Expected second vertex x 1, got %f", v2x)
	}
}

// TestSaveToSTL verifies that the STL file can be written
func TestSaveToSTL(t *testing.T) {
	mask := models.NewLabelVolume(2, 2, 2)
	mask.Data[0] = 1
	triangles := NewMesher(mask, 1).GenerateTriangles()

	tmpFile, err := os.CreateTemp("", "test-*.stl")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	if err := SaveToSTL(tmpFile.Name(), triangles); err != nil {
		t.Fatalf("Failed to save STL: %v", err)
	}

	info, err := os.Stat(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to stat output file: %v", err)
	}

	// STL header: 80 bytes, count: 4 bytes, 50 bytes per triangle
	wantSize := int64(80 + 4 + 50*len(triangles))
	if info.Size() != wantSize {
		t.Errorf("Expected STL file of %d bytes, got %d", wantSize, info.Size())
	}
}
